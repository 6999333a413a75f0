package model

import "time"

// KeyEnvelope holds the wrapped copies of one record's symmetric secret.
// It shares its key with the owning Record and is always rewritten together
// with the Record's EncryptedPayload.
type KeyEnvelope struct {
	Key                 RecordKey
	PrimaryWrappedKey   string
	SecondaryWrappedKey string // Empty until the secondary party is known and has a public key.
	UpdatedAt           time.Time
}

// WrappedKeyFor returns the wrapped copy intended for the given role.
func (e KeyEnvelope) WrappedKeyFor(role PartyRole) string {
	switch role {
	case RolePrimary:
		return e.PrimaryWrappedKey
	case RoleSecondary:
		return e.SecondaryWrappedKey
	default:
		return ""
	}
}

// WriteKind identifies one operation within an atomic multi-write.
type WriteKind int

const (
	WriteCreateRecord WriteKind = iota
	WriteUpdateRecord
	WriteCreateEnvelope
	WriteUpdateEnvelope
)

// String returns the operation name for logs and errors.
func (k WriteKind) String() string {
	switch k {
	case WriteCreateRecord:
		return "create_record"
	case WriteUpdateRecord:
		return "update_record"
	case WriteCreateEnvelope:
		return "create_envelope"
	case WriteUpdateEnvelope:
		return "update_envelope"
	default:
		return "unknown"
	}
}

// WriteOp is one step of an atomic multi-write. Exactly one of Record or
// Envelope is set, matching Kind.
type WriteOp struct {
	Kind     WriteKind
	Record   *Record
	Envelope *KeyEnvelope
}
