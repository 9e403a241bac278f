// Package lock implements SubscriptionLock: a row-based lease under
// (projectId, subscriptionId) with TTL, heartbeat-extend, and
// stale-takeover semantics, adapted from this codebase's Postgres
// advisory-lock helper into a lease the SubscriptionMachine driver
// can hold across long, suspending transitions (invoicing, renewal).
package lock

import (
	"context"
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
)

// AcquireOptions parametrizes acquire().
type AcquireOptions struct {
	TTL           time.Duration
	Now           time.Time
	StaleTakeover time.Duration
	OwnerStale    time.Duration
}

// Lease is the handle a caller holds after a successful acquire.
type Lease struct {
	ProjectID      string
	SubscriptionID string
	OwnerToken     string
	ExpiresAt      time.Time
}

// SubscriptionLock is the polymorphic lease store every backend
// variant (in-memory, Postgres) satisfies.
type SubscriptionLock interface {
	// Acquire inserts a row if absent, or takes over an expired/stale
	// one. Returns ErrLockHeld (marked ierr.ErrAlreadyExists) if the
	// existing lease is live and not eligible for takeover.
	Acquire(ctx context.Context, projectID, subscriptionID string, opts AcquireOptions) (*Lease, error)

	// Extend conditionally updates expiresAt, scoped to ownerToken AND
	// expiresAt > now. Returns false if the lease was lost.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration, now time.Time) (bool, error)

	// Release deletes the row, scoped to ownerToken.
	Release(ctx context.Context, lease *Lease) error
}

// ErrLockHeld is returned by Acquire when the lease is live and the
// takeover predicate does not hold.
var ErrLockHeld = ierr.NewError("subscription lock is held by another owner").Mark(ierr.ErrAlreadyExists)

// eligibleForTakeover implements the acquire() predicate from
// spec.md's SubscriptionLock section: a live lease can only be seized
// early if it is both within the stale-takeover window AND its last
// heartbeat is older than ownerStale.
func eligibleForTakeover(expiresAt, updatedAt, now time.Time, staleTakeover, ownerStale time.Duration) bool {
	if expiresAt.Before(now) {
		return true
	}
	return expiresAt.Before(now.Add(staleTakeover)) && updatedAt.Before(now.Add(-ownerStale))
}

// Heartbeat calls store.Extend on lease every ttl/2 until ctx is done or
// maxHold elapses. It stops (without error) once
// maxHold is exceeded, so a runaway transition cannot hold the lock
// indefinitely; the caller is expected to have its own timeout on the
// guarded work that is tighter than maxHold.
func Heartbeat(ctx context.Context, store SubscriptionLock, lease *Lease, ttl, maxHold time.Duration, now func() time.Time) {
	interval := ttl / 2
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := now().Add(maxHold)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if t.After(deadline) {
				return
			}
			_, _ = store.Extend(ctx, lease, ttl, t)
		}
	}
}
