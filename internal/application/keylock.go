package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyLocker = (*MemoryKeyLocker)(nil)

// MemoryKeyLocker is a process-local KeyLocker. It serializes callers within
// one process only; deployments running several instances against one
// database use sqlite.LeaseRepo instead.
type MemoryKeyLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryKeyLocker creates an empty MemoryKeyLocker.
func NewMemoryKeyLocker() *MemoryKeyLocker {
	return &MemoryKeyLocker{held: make(map[string]struct{})}
}

// TryLock takes key if it is free.
func (l *MemoryKeyLocker) TryLock(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = struct{}{}
	return true, nil
}

// Renew fails with driven.ErrLockLost unless key is held. Memory locks never
// expire.
func (l *MemoryKeyLocker) Renew(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; !ok {
		return fmt.Errorf("renew %s: %w", key, driven.ErrLockLost)
	}
	return nil
}

// Unlock releases key. Unlocking a free key is a no-op.
func (l *MemoryKeyLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
	return nil
}

// acquire polls locker until key is taken or ctx is done. The wait is a
// sequence of short sleeps so a waiter never holds anything while blocked.
func acquire(ctx context.Context, locker driven.KeyLocker, key string, poll time.Duration) error {
	for {
		ok, err := locker.TryLock(ctx, key)
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
