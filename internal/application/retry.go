package application

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// FailureClass groups reconcile failures by how they resolve.
type FailureClass int

const (
	// FailureTransient covers ledger, network and metadata failures.
	FailureTransient FailureClass = iota
	// FailureMissingPrecondition covers absent public keys or plaintext.
	// These only resolve when profile data appears, so they wait for the next sweep.
	FailureMissingPrecondition
	// FailureWrite covers a rejected atomic multi-write.
	FailureWrite
)

// String returns a human-readable name for the failure class.
func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureMissingPrecondition:
		return "missing_precondition"
	case FailureWrite:
		return "write"
	default:
		return "unknown"
	}
}

// RetryPolicy decides how many in-place retries each failure class gets
// before the attempt is abandoned to the next sweep.
type RetryPolicy struct {
	TransientRetries uint64
	TransientBase    time.Duration
	WriteRetries     uint64
	WriteBase        time.Duration
}

// DefaultRetryPolicy retries transient reads and writes a few times with
// exponential backoff. Missing preconditions are never retried in place.
func DefaultRetryPolicy(writeRetries uint64) RetryPolicy {
	return RetryPolicy{
		TransientRetries: 2,
		TransientBase:    200 * time.Millisecond,
		WriteRetries:     writeRetries,
		WriteBase:        50 * time.Millisecond,
	}
}

// NoRetry is a policy that never retries. Every failure waits for the next sweep.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Backoff returns a fresh backoff for class, or nil when the class is not
// retried. Backoffs carry attempt state, so callers take one per operation.
func (p RetryPolicy) Backoff(class FailureClass) retry.Backoff {
	var (
		retries uint64
		base    time.Duration
	)
	switch class {
	case FailureTransient:
		retries, base = p.TransientRetries, p.TransientBase
	case FailureWrite:
		retries, base = p.WriteRetries, p.WriteBase
	default:
		return nil
	}

	if retries == 0 || base <= 0 {
		return nil
	}
	return retry.WithMaxRetries(retries, retry.NewExponential(base))
}

// Do runs fn and retries its failures as the policy allows for class. The
// last error is returned once retries are exhausted.
func (p RetryPolicy) Do(ctx context.Context, class FailureClass, fn func(ctx context.Context) error) error {
	b := p.Backoff(class)
	if b == nil {
		return fn(ctx)
	}

	return retry.Do(ctx, b, func(ctx context.Context) error {
		return retry.RetryableError(fn(ctx))
	})
}
