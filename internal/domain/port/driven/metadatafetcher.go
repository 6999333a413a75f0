package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// ErrMetadataUnavailable indicates the metadata URI could not be read or parsed.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// MetadataFetcher reads the descriptive metadata published at a record URI.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (*model.RecordMetadata, error)
}
