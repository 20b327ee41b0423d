package coord

import (
	"context"
	"time"
)

// Flag is an atomic boolean with provenance, used for the kill switch.
type Flag struct {
	Set    bool
	Reason string
	By     string
	At     time.Time
}

// Store is the shared coordination backend: time-boxed locks with renewal and
// atomic flags. All mutation must behave as test-and-set against the shared
// store; callers never assume single-process exclusivity. The in-memory
// implementation below serves single-node deployments and tests; clustered
// deployments plug in a store backed by their shared cache.
type Store interface {
	// AcquireLock obtains the lock for key on behalf of owner with the given
	// TTL. Returns false when another owner holds an unexpired lock.
	// Re-acquiring a lock already held by owner succeeds and refreshes the TTL.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RenewLock extends the TTL of a lock held by owner. Returns false when the
	// lock is held by someone else or has expired and been taken.
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLock drops the lock if owner still holds it. Releasing a lock held
	// by another owner is a no-op.
	ReleaseLock(ctx context.Context, key, owner string) error

	// SetFlag atomically replaces the flag stored under key.
	SetFlag(ctx context.Context, key string, f Flag) error
	// Flag returns the flag under key; a zero Flag when never set.
	Flag(ctx context.Context, key string) (Flag, error)
}
