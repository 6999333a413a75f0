package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProfileStore = (*ProfileRepo)(nil)

// ProfileRepo is the SQLite implementation of the ProfileStore port interface.
// Addresses are stored lowercased.
type ProfileRepo struct {
	db *DB
}

// NewProfileRepo creates a new ProfileRepo backed by the given DB.
func NewProfileRepo(db *DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// GetProfile returns the profile registered for address, or (nil, nil) if none exists.
func (r *ProfileRepo) GetProfile(ctx context.Context, address string) (*model.Profile, error) {
	const query = `
		SELECT address, nickname, encryption_pub_key, contacts, updated_at
		FROM profiles
		WHERE address = ?
	`

	var (
		p         model.Profile
		updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, strings.ToLower(address)).Scan(
		&p.Address, &p.Nickname, &p.EncryptionPubKey, &p.Contacts, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", address, err)
	}

	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for profile %s: %w", address, err)
	}

	return &p, nil
}

// UpsertProfile inserts the profile or replaces every field of an existing one.
func (r *ProfileRepo) UpsertProfile(ctx context.Context, profile model.Profile) error {
	if profile.Address == "" {
		return errors.New("upsert profile: empty address")
	}

	const query = `
		INSERT INTO profiles (address, nickname, encryption_pub_key, contacts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			nickname = excluded.nickname,
			encryption_pub_key = excluded.encryption_pub_key,
			contacts = excluded.contacts,
			updated_at = excluded.updated_at
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		strings.ToLower(profile.Address), profile.Nickname, profile.EncryptionPubKey,
		profile.Contacts, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", profile.Address, err)
	}
	return nil
}
