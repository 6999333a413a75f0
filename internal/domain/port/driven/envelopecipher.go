package driven

import "errors"

// Sentinel errors returned by EnvelopeCipher implementations. They signal
// programming or data-corruption defects and are never retried.
var (
	// ErrInvalidKeyLength indicates a public key or secret of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrMalformedBlob indicates an encrypted payload that cannot be sliced.
	ErrMalformedBlob = errors.New("malformed encrypted blob")

	// ErrAuthenticationFailed indicates the authentication tag did not verify.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// EnvelopeCipher encrypts record payloads and wraps their secrets for
// recipients. Wrapping is one-way: the service cannot unwrap.
type EnvelopeCipher interface {
	GenerateSecret() []byte
	Encrypt(plaintext string, secret []byte) (string, error)
	Decrypt(blob string, secret []byte) (string, error)
	WrapSecret(secret []byte, recipientPublicKeyHex string) (string, error)
	ValidatePublicKeyFormat(keyHex string) bool
}
