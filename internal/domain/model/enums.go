package model

import "strings"

// Origin identifies which trigger asked for a reconcile.
type Origin string

const (
	OriginEvent  Origin = "event"
	OriginSweep  Origin = "sweep"
	OriginManual Origin = "manual"
	OriginReplay Origin = "replay"
)

// SyncState is the classification of a record's stored state.
type SyncState string

const (
	StateAbsent              SyncState = "absent"
	StateComplete            SyncState = "complete"
	StateMissingEnvelope     SyncState = "missing_envelope"
	StateMissingSecondaryKey SyncState = "missing_secondary_key"
)

// SyncAction is what a reconcile attempt did.
type SyncAction string

const (
	ActionNone            SyncAction = "none"
	ActionCreate          SyncAction = "create"
	ActionRepairEnvelope  SyncAction = "repair_envelope"
	ActionRepairSecondary SyncAction = "repair_secondary"
)

// PartyRole is a participant's role in a record.
type PartyRole string

const (
	RolePrimary   PartyRole = "primary"
	RoleSecondary PartyRole = "secondary"
)

// Placeholder metadata written when a record's metadata URI cannot be read.
// Only the reconciler writes these values, so they mark metadata that a
// later repair may replace.
const (
	PlaceholderTitleSuffix = "(synced from ledger)"
	PlaceholderDescription = "This record was automatically synced from the ledger"

	// PlaceholderContacts is encrypted when the primary party has no stored contacts.
	PlaceholderContacts = "N/A"
)

// IsPlaceholderTitle reports whether title was generated by the reconciler.
func IsPlaceholderTitle(title string) bool {
	return strings.HasSuffix(title, PlaceholderTitleSuffix)
}

// ZeroAddress is the ledger's encoding of "no party".
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// IsZeroAddress reports whether addr is empty or the zero address.
func IsZeroAddress(addr string) bool {
	return addr == "" || strings.EqualFold(addr, ZeroAddress)
}

// SameAddress compares two ledger addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
