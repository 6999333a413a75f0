package model

import "time"

// LedgerStatus is the on-ledger lifecycle code of a record.
type LedgerStatus uint8

const (
	LedgerStatusOpen LedgerStatus = iota
	LedgerStatusInProgress
	LedgerStatusSubmitted
	LedgerStatusCompleted
	LedgerStatusCancelled
)

// String returns a human-readable name for the status.
func (s LedgerStatus) String() string {
	switch s {
	case LedgerStatusOpen:
		return "open"
	case LedgerStatusInProgress:
		return "in_progress"
	case LedgerStatusSubmitted:
		return "submitted"
	case LedgerStatusCompleted:
		return "completed"
	case LedgerStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ReleasesKeys reports whether wrapped keys may be handed to the parties of
// a record in this status. Keys stay sealed while a record is open and once
// it is cancelled.
func (s LedgerStatus) ReleasesKeys() bool {
	switch s {
	case LedgerStatusInProgress, LedgerStatusSubmitted, LedgerStatusCompleted:
		return true
	default:
		return false
	}
}

// LedgerRecord is a record as read from the ledger. Secondary is empty while
// no second party has joined.
type LedgerRecord struct {
	RecordID    uint64
	Primary     string
	Secondary   string
	Value       string // Decimal string; uint256 does not fit an int64.
	MetadataURI string
	Status      LedgerStatus
	CreatedAt   time.Time
	AcceptedAt  time.Time
}

// HasSecondary reports whether a second party has joined the record.
func (r LedgerRecord) HasSecondary() bool {
	return r.Secondary != ""
}

// LedgerEventKind distinguishes the two ledger events the feed consumes.
type LedgerEventKind string

const (
	EventRecordCreated  LedgerEventKind = "record_created"
	EventRecordAccepted LedgerEventKind = "record_accepted"
)

// LedgerEvent is a decoded ledger event. Created events carry Primary and
// MetadataURI; Accepted events carry Secondary only.
type LedgerEvent struct {
	Kind        LedgerEventKind
	RecordID    uint64
	Primary     string
	Secondary   string
	MetadataURI string
	BlockNumber uint64
	LogIndex    uint
}
