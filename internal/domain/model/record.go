package model

import (
	"fmt"
	"time"
)

// RecordKey identifies a record on one ledger deployment. NetworkID pins the
// record to a chain so a single store can serve several deployments.
type RecordKey struct {
	NetworkID string
	RecordID  uint64
}

// String returns the key as "network:record", the form used for lock keys and logs.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%d", k.NetworkID, k.RecordID)
}

// Record is one unit of work tracked on the ledger and materialized locally.
type Record struct {
	Key              RecordKey
	Title            string
	Description      string
	EncryptedPayload string // hex(nonce || tag || ciphertext) of CachedPlaintext.
	CachedPlaintext  string // Kept so the payload can be re-encrypted for new recipients.
	CreatorIdentity  string
	MetadataURI      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPlaceholderMetadata reports whether the record's title or description
// was written by the reconciler as a stand-in and may be replaced.
func (r Record) HasPlaceholderMetadata() bool {
	return IsPlaceholderTitle(r.Title) || r.Description == PlaceholderDescription
}

// RecordState is a compact view of a stored record used by the sweep to find
// structurally incomplete secondary state without loading payloads.
type RecordState struct {
	RecordID        uint64
	HasEnvelope     bool
	HasPrimaryKey   bool
	HasSecondaryKey bool
}
