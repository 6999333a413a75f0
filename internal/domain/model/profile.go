package model

import "time"

// Profile is a participant's registered profile. EncryptionPubKey is the
// hex X25519 public key secrets are wrapped for; Contacts is the plaintext
// a record created by this participant encrypts.
type Profile struct {
	Address          string
	Nickname         string
	EncryptionPubKey string
	Contacts         string
	UpdatedAt        time.Time
}
