// Package envelope implements the EnvelopeCipher port: AES-256-GCM for
// record payloads and NaCl box with an ephemeral sender key for wrapping
// payload secrets to recipients.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EnvelopeCipher = (*Cipher)(nil)

const (
	// SecretSize is the size of a payload secret (AES-256 key).
	SecretSize = 32
	// PublicKeySize is the size of a recipient's X25519 public key.
	PublicKeySize = 32

	gcmNonceSize = 12
	gcmTagSize   = 16
	boxNonceSize = 24

	// minPayloadSize is the fixed prefix of an encrypted payload: nonce || tag.
	minPayloadSize = gcmNonceSize + gcmTagSize
)

// Cipher is the production EnvelopeCipher. It holds no state; entropy comes
// from rand unless overridden in tests.
type Cipher struct {
	rand io.Reader
}

// New returns a Cipher reading entropy from crypto/rand.
func New() *Cipher {
	return &Cipher{rand: rand.Reader}
}

// GenerateSecret returns a fresh 32-byte payload secret.
func (c *Cipher) GenerateSecret() []byte {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(c.rand, secret); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return secret
}

// Encrypt encrypts plaintext under secret with AES-256-GCM and returns
// hex(nonce(12) || tag(16) || ciphertext).
func (c *Cipher) Encrypt(plaintext string, secret []byte) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal produces ciphertext || tag; the wire format puts the tag first.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, minPayloadSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ErrMalformedBlob when blob is not hex
// or is shorter than nonce || tag, and ErrAuthenticationFailed when the tag
// does not verify under secret.
func (c *Cipher) Decrypt(blob string, secret []byte) (string, error) {
	data, err := hex.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", driven.ErrMalformedBlob, err)
	}
	if len(data) < minPayloadSize {
		return "", fmt.Errorf("%w: %d bytes, minimum is %d", driven.ErrMalformedBlob, len(data), minPayloadSize)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := data[:gcmNonceSize]
	tag := data[gcmNonceSize:minPayloadSize]
	ciphertext := data[minPayloadSize:]

	sealed := make([]byte, 0, len(ciphertext)+gcmTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", driven.ErrAuthenticationFailed, err)
	}
	return string(plaintext), nil
}

// WrapSecret seals secret to the recipient's public key with a one-time
// sender keypair and returns hex(ephemeralPublicKey(32) || nonce(24) || box).
// Each call produces different output for the same inputs.
func (c *Cipher) WrapSecret(secret []byte, recipientPublicKeyHex string) (string, error) {
	recipient, err := decodePublicKey(recipientPublicKeyHex)
	if err != nil {
		return "", err
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(c.rand)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	var nonce [boxNonceSize]byte
	if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	out := make([]byte, 0, PublicKeySize+boxNonceSize+len(secret)+box.Overhead)
	out = append(out, ephemeralPub[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, secret, &nonce, recipient, ephemeralPriv)
	return hex.EncodeToString(out), nil
}

// ValidatePublicKeyFormat reports whether keyHex, with or without a 0x
// prefix, is hex that decodes to exactly 32 bytes.
func (c *Cipher) ValidatePublicKeyFormat(keyHex string) bool {
	_, err := decodePublicKey(keyHex)
	return err == nil
}

func decodePublicKey(keyHex string) (*[PublicKeySize]byte, error) {
	clean := keyHex
	if len(clean) >= 2 && (clean[:2] == "0x" || clean[:2] == "0X") {
		clean = clean[2:]
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", driven.ErrInvalidKeyLength, err)
	}
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", driven.ErrInvalidKeyLength, PublicKeySize, len(raw))
	}

	var key [PublicKeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", driven.ErrInvalidKeyLength, SecretSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
