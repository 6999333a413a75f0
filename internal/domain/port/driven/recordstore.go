// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// Sentinel errors returned by RecordStore implementations.
var (
	// ErrRecordNotFound indicates an update targeted a record or envelope that does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordAlreadyExists indicates a create collided with an existing row.
	ErrRecordAlreadyExists = errors.New("record already exists")
)

// RecordStore defines the driven port for record and key envelope persistence.
// Find methods return (nil, nil) when nothing is stored for the key.
type RecordStore interface {
	FindRecord(ctx context.Context, key model.RecordKey) (*model.Record, error)
	FindEnvelope(ctx context.Context, key model.RecordKey) (*model.KeyEnvelope, error)

	CreateRecord(ctx context.Context, record model.Record) error
	UpdateRecord(ctx context.Context, record model.Record) error
	CreateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error
	UpdateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error

	// WriteAtomically applies every op in one transaction. Either all ops
	// are visible afterwards or none are.
	WriteAtomically(ctx context.Context, ops []model.WriteOp) error

	// ListRecordIDs returns the ids of all records stored for the network.
	ListRecordIDs(ctx context.Context, networkID string) ([]uint64, error)

	// ListRecordStates returns the envelope completeness of every record
	// stored for the network, ordered by record id.
	ListRecordStates(ctx context.Context, networkID string) ([]model.RecordState, error)
}
