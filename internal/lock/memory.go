package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type row struct {
	ownerToken string
	expiresAt  time.Time
	updatedAt  time.Time
}

// InMemoryLock is the process-local SubscriptionLock variant, used by
// tests and single-process deployments.
type InMemoryLock struct {
	mu   sync.Mutex
	rows map[string]*row
}

func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{rows: make(map[string]*row)}
}

func key(projectID, subscriptionID string) string {
	return fmt.Sprintf("%s:%s", projectID, subscriptionID)
}

func (l *InMemoryLock) Acquire(_ context.Context, projectID, subscriptionID string, opts AcquireOptions) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(projectID, subscriptionID)
	existing, ok := l.rows[k]
	if ok && !eligibleForTakeover(existing.expiresAt, existing.updatedAt, opts.Now, opts.StaleTakeover, opts.OwnerStale) {
		return nil, ErrLockHeld
	}

	token := uuid.NewString()
	expiresAt := opts.Now.Add(opts.TTL)
	l.rows[k] = &row{ownerToken: token, expiresAt: expiresAt, updatedAt: opts.Now}

	return &Lease{ProjectID: projectID, SubscriptionID: subscriptionID, OwnerToken: token, ExpiresAt: expiresAt}, nil
}

func (l *InMemoryLock) Extend(_ context.Context, lease *Lease, ttl time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(lease.ProjectID, lease.SubscriptionID)
	existing, ok := l.rows[k]
	if !ok || existing.ownerToken != lease.OwnerToken || !existing.expiresAt.After(now) {
		return false, nil
	}
	existing.expiresAt = now.Add(ttl)
	existing.updatedAt = now
	lease.ExpiresAt = existing.expiresAt
	return true, nil
}

func (l *InMemoryLock) Release(_ context.Context, lease *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(lease.ProjectID, lease.SubscriptionID)
	if existing, ok := l.rows[k]; ok && existing.ownerToken == lease.OwnerToken {
		delete(l.rows, k)
	}
	return nil
}
