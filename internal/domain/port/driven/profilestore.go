package driven

import (
	"context"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// ProfileStore defines the driven port for participant profiles.
// Addresses are matched case-insensitively.
type ProfileStore interface {
	// GetProfile returns (nil, nil) if no profile is registered for address.
	GetProfile(ctx context.Context, address string) (*model.Profile, error)
	UpsertProfile(ctx context.Context, profile model.Profile) error
}
