package driven

import (
	"context"
	"errors"
)

// ErrLockLost is returned by Renew when the caller no longer holds the key,
// for example because its lease expired and another holder took it over.
var ErrLockLost = errors.New("lock lost")

// KeyLocker is an advisory lock keyed by string. TryLock never blocks: it
// reports whether the caller now holds key. Callers that need to wait poll
// TryLock. Renew confirms the caller still holds key and extends any expiry
// it carries. Unlock releases a key held by this locker.
type KeyLocker interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Renew(ctx context.Context, key string) error
	Unlock(ctx context.Context, key string) error
}
