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
var _ driven.RecordStore = (*RecordRepo)(nil)

// RecordRepo is the SQLite implementation of the RecordStore port interface.
// Records and key envelopes live in separate tables sharing the composite
// (network_id, record_id) key.
type RecordRepo struct {
	db  *DB
	now func() time.Time
}

// NewRecordRepo creates a new RecordRepo backed by the given DB.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db, now: time.Now}
}

// FindRecord returns the record for key, or (nil, nil) if none is stored.
func (r *RecordRepo) FindRecord(ctx context.Context, key model.RecordKey) (*model.Record, error) {
	const query = `
		SELECT network_id, record_id, title, description, encrypted_payload,
		       cached_plaintext, creator_identity, metadata_uri, created_at, updated_at
		FROM records
		WHERE network_id = ? AND record_id = ?
	`

	var (
		rec                  model.Record
		createdAt, updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, key.NetworkID, key.RecordID).Scan(
		&rec.Key.NetworkID, &rec.Key.RecordID, &rec.Title, &rec.Description, &rec.EncryptedPayload,
		&rec.CachedPlaintext, &rec.CreatorIdentity, &rec.MetadataURI, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record %s: %w", key, err)
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for record %s: %w", key, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for record %s: %w", key, err)
	}

	return &rec, nil
}

// FindEnvelope returns the key envelope for key, or (nil, nil) if none is stored.
func (r *RecordRepo) FindEnvelope(ctx context.Context, key model.RecordKey) (*model.KeyEnvelope, error) {
	const query = `
		SELECT network_id, record_id, primary_wrapped_key, secondary_wrapped_key, updated_at
		FROM key_envelopes
		WHERE network_id = ? AND record_id = ?
	`

	var (
		env       model.KeyEnvelope
		updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, key.NetworkID, key.RecordID).Scan(
		&env.Key.NetworkID, &env.Key.RecordID, &env.PrimaryWrappedKey, &env.SecondaryWrappedKey, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find envelope %s: %w", key, err)
	}

	if env.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for envelope %s: %w", key, err)
	}

	return &env, nil
}

// CreateRecord inserts a record. Returns ErrRecordAlreadyExists on key collision.
func (r *RecordRepo) CreateRecord(ctx context.Context, record model.Record) error {
	return r.createRecord(ctx, r.db.Writer, record)
}

// UpdateRecord replaces the mutable fields of an existing record.
// Returns ErrRecordNotFound if no record is stored for the key.
func (r *RecordRepo) UpdateRecord(ctx context.Context, record model.Record) error {
	return r.updateRecord(ctx, r.db.Writer, record)
}

// CreateEnvelope inserts a key envelope. The owning record must exist.
func (r *RecordRepo) CreateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error {
	return r.createEnvelope(ctx, r.db.Writer, envelope)
}

// UpdateEnvelope replaces both wrapped keys of an existing envelope.
// Returns ErrRecordNotFound if no envelope is stored for the key.
func (r *RecordRepo) UpdateEnvelope(ctx context.Context, envelope model.KeyEnvelope) error {
	return r.updateEnvelope(ctx, r.db.Writer, envelope)
}

// WriteAtomically applies ops in order inside one transaction. Any failure
// rolls back every op.
func (r *RecordRepo) WriteAtomically(ctx context.Context, ops []model.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin atomic write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, op := range ops {
		if err := r.apply(ctx, tx, op); err != nil {
			return fmt.Errorf("atomic write op %d (%s): %w", i, op.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit atomic write: %w", err)
	}
	return nil
}

// ListRecordIDs returns the ids of all records stored for the network, ascending.
func (r *RecordRepo) ListRecordIDs(ctx context.Context, networkID string) ([]uint64, error) {
	const query = `SELECT record_id FROM records WHERE network_id = ? ORDER BY record_id`

	rows, err := r.db.Reader.QueryContext(ctx, query, networkID)
	if err != nil {
		return nil, fmt.Errorf("list record ids for network %s: %w", networkID, err)
	}
	defer rows.Close()

	ids := []uint64{}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record ids: %w", err)
	}

	return ids, nil
}

// ListRecordStates reports envelope completeness for every stored record of
// the network, ascending by record id.
func (r *RecordRepo) ListRecordStates(ctx context.Context, networkID string) ([]model.RecordState, error) {
	const query = `
		SELECT r.record_id,
		       e.record_id IS NOT NULL,
		       COALESCE(e.primary_wrapped_key, '') != '',
		       COALESCE(e.secondary_wrapped_key, '') != ''
		FROM records r
		LEFT JOIN key_envelopes e
		       ON e.network_id = r.network_id AND e.record_id = r.record_id
		WHERE r.network_id = ?
		ORDER BY r.record_id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, networkID)
	if err != nil {
		return nil, fmt.Errorf("list record states for network %s: %w", networkID, err)
	}
	defer rows.Close()

	states := []model.RecordState{}
	for rows.Next() {
		var s model.RecordState
		if err := rows.Scan(&s.RecordID, &s.HasEnvelope, &s.HasPrimaryKey, &s.HasSecondaryKey); err != nil {
			return nil, fmt.Errorf("scan record state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record states: %w", err)
	}

	return states, nil
}

func (r *RecordRepo) apply(ctx context.Context, ex execer, op model.WriteOp) error {
	switch op.Kind {
	case model.WriteCreateRecord, model.WriteUpdateRecord:
		if op.Record == nil {
			return errors.New("record op without record")
		}
		if op.Kind == model.WriteCreateRecord {
			return r.createRecord(ctx, ex, *op.Record)
		}
		return r.updateRecord(ctx, ex, *op.Record)
	case model.WriteCreateEnvelope, model.WriteUpdateEnvelope:
		if op.Envelope == nil {
			return errors.New("envelope op without envelope")
		}
		if op.Kind == model.WriteCreateEnvelope {
			return r.createEnvelope(ctx, ex, *op.Envelope)
		}
		return r.updateEnvelope(ctx, ex, *op.Envelope)
	default:
		return fmt.Errorf("unknown write op kind %d", op.Kind)
	}
}

func (r *RecordRepo) createRecord(ctx context.Context, ex execer, rec model.Record) error {
	const query = `
		INSERT INTO records (
			network_id, record_id, title, description, encrypted_payload,
			cached_plaintext, creator_identity, metadata_uri, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := r.now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := ex.ExecContext(ctx, query,
		rec.Key.NetworkID, rec.Key.RecordID, rec.Title, rec.Description, rec.EncryptedPayload,
		rec.CachedPlaintext, rec.CreatorIdentity, rec.MetadataURI, formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create record %s: %w", rec.Key, driven.ErrRecordAlreadyExists)
		}
		return fmt.Errorf("create record %s: %w", rec.Key, err)
	}
	return nil
}

func (r *RecordRepo) updateRecord(ctx context.Context, ex execer, rec model.Record) error {
	const query = `
		UPDATE records SET
			title = ?,
			description = ?,
			encrypted_payload = ?,
			cached_plaintext = ?,
			creator_identity = ?,
			metadata_uri = ?,
			updated_at = ?
		WHERE network_id = ? AND record_id = ?
	`

	result, err := ex.ExecContext(ctx, query,
		rec.Title, rec.Description, rec.EncryptedPayload, rec.CachedPlaintext,
		rec.CreatorIdentity, rec.MetadataURI, formatTime(r.now()),
		rec.Key.NetworkID, rec.Key.RecordID,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.Key, err)
	}
	return requireAffected(result, fmt.Sprintf("update record %s", rec.Key))
}

func (r *RecordRepo) createEnvelope(ctx context.Context, ex execer, env model.KeyEnvelope) error {
	const query = `
		INSERT INTO key_envelopes (network_id, record_id, primary_wrapped_key, secondary_wrapped_key, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		env.Key.NetworkID, env.Key.RecordID, env.PrimaryWrappedKey, env.SecondaryWrappedKey, formatTime(r.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create envelope %s: %w", env.Key, driven.ErrRecordAlreadyExists)
		}
		return fmt.Errorf("create envelope %s: %w", env.Key, err)
	}
	return nil
}

func (r *RecordRepo) updateEnvelope(ctx context.Context, ex execer, env model.KeyEnvelope) error {
	const query = `
		UPDATE key_envelopes SET
			primary_wrapped_key = ?,
			secondary_wrapped_key = ?,
			updated_at = ?
		WHERE network_id = ? AND record_id = ?
	`

	result, err := ex.ExecContext(ctx, query,
		env.PrimaryWrappedKey, env.SecondaryWrappedKey, formatTime(r.now()),
		env.Key.NetworkID, env.Key.RecordID,
	)
	if err != nil {
		return fmt.Errorf("update envelope %s: %w", env.Key, err)
	}
	return requireAffected(result, fmt.Sprintf("update envelope %s", env.Key))
}

func requireAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: check rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, driven.ErrRecordNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY")
}
