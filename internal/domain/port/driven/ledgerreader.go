package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// ErrLedgerUnreachable is returned once every configured ledger endpoint has failed.
var ErrLedgerUnreachable = errors.New("ledger unreachable")

// LedgerReader is the read-only view of the authoritative ledger. Results
// are never cached; every call reflects the current chain head.
type LedgerReader interface {
	// RecordCount returns the ledger's monotonically increasing record counter.
	RecordCount(ctx context.Context) (uint64, error)
	// ReadRecord returns the record stored at index.
	ReadRecord(ctx context.Context, index uint64) (*model.LedgerRecord, error)
}

// EventSource reads decoded ledger events by block range.
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	// FilterEvents returns RecordCreated and RecordAccepted events in
	// [fromBlock, toBlock], ordered by block then log index.
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]model.LedgerEvent, error)
}
