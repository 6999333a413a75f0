package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyLocker = (*LeaseRepo)(nil)

// LeaseRepo is a KeyLocker backed by rows in key_leases. It lets several
// processes sharing one database file serialize reconciles of the same
// record. A lease that outlives its TTL is treated as abandoned and may be
// taken over, so a crashed holder never blocks a key forever. Holders call
// Renew before each write, so the TTL only needs to cover the work between
// two renewals, not a whole reconcile.
type LeaseRepo struct {
	db     *DB
	holder string
	ttl    time.Duration
	now    func() time.Time

	// held tracks keys this process holds so Unlock never releases a lease
	// taken over by another holder after expiry.
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeaseRepo creates a LeaseRepo with a random holder identity.
func NewLeaseRepo(db *DB, ttl time.Duration) *LeaseRepo {
	return &LeaseRepo{
		db:     db,
		holder: uuid.NewString(),
		ttl:    ttl,
		now:    time.Now,
		held:   make(map[string]struct{}),
	}
}

// Holder returns the identity this repo writes into lease rows.
func (r *LeaseRepo) Holder() string {
	return r.holder
}

// TryLock takes the lease for key if it is free or expired.
func (r *LeaseRepo) TryLock(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	if _, ok := r.held[key]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	const query = `
		INSERT INTO key_leases (lock_key, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE key_leases.expires_at < ?
	`

	now := r.now()
	result, err := r.db.Writer.ExecContext(ctx, query,
		key, r.holder, now.Add(r.ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: check rows affected: %w", key, err)
	}
	if rows == 0 {
		return false, nil
	}

	r.mu.Lock()
	r.held[key] = struct{}{}
	r.mu.Unlock()
	return true, nil
}

// Renew pushes the lease for key a full TTL into the future. It fails with
// driven.ErrLockLost when the lease has expired or belongs to another holder,
// so a caller never writes under a lease it no longer owns.
func (r *LeaseRepo) Renew(ctx context.Context, key string) error {
	const query = `
		UPDATE key_leases SET expires_at = ?
		WHERE lock_key = ? AND holder = ? AND expires_at >= ?
	`

	now := r.now()
	result, err := r.db.Writer.ExecContext(ctx, query,
		now.Add(r.ttl).UnixMilli(), key, r.holder, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("renew lease %q: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease %q: check rows affected: %w", key, err)
	}
	if rows == 0 {
		return fmt.Errorf("renew lease %q: %w", key, driven.ErrLockLost)
	}
	return nil
}

// Unlock releases the lease for key if this repo still holds it.
func (r *LeaseRepo) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()

	const query = `DELETE FROM key_leases WHERE lock_key = ? AND holder = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, key, r.holder); err != nil {
		return fmt.Errorf("release lease %q: %w", key, err)
	}
	return nil
}
