package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryLock_AcquireExclusiveUntilExpiry(t *testing.T) {
	l := NewInMemoryLock()
	ctx := context.Background()
	now := time.Now()

	opts := AcquireOptions{TTL: 10 * time.Second, Now: now, StaleTakeover: 30 * time.Second, OwnerStale: 5 * time.Second}
	lease, err := l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.ErrorIs(t, err, ErrLockHeld)
}

func TestInMemoryLock_TakeoverAfterExpiry(t *testing.T) {
	l := NewInMemoryLock()
	ctx := context.Background()
	now := time.Now()

	opts := AcquireOptions{TTL: time.Second, Now: now, StaleTakeover: 30 * time.Second, OwnerStale: 5 * time.Second}
	first, err := l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	opts.Now = later
	second, err := l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)
	require.NotEqual(t, first.OwnerToken, second.OwnerToken)
}

func TestInMemoryLock_StaleTakeoverBeforeExpiry(t *testing.T) {
	l := NewInMemoryLock()
	ctx := context.Background()
	now := time.Now()

	// A lease with a long TTL but a stale heartbeat becomes eligible
	// for early takeover once it falls within staleTakeover of expiry
	// and its last update is older than ownerStale.
	opts := AcquireOptions{TTL: 20 * time.Second, Now: now, StaleTakeover: 30 * time.Second, OwnerStale: 5 * time.Second}
	_, err := l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)

	later := now.Add(10 * time.Second)
	opts.Now = later
	_, err = l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)
}

func TestInMemoryLock_ExtendFailsAfterRelease(t *testing.T) {
	l := NewInMemoryLock()
	ctx := context.Background()
	now := time.Now()

	opts := AcquireOptions{TTL: 10 * time.Second, Now: now, StaleTakeover: 30 * time.Second, OwnerStale: 5 * time.Second}
	lease, err := l.Acquire(ctx, "proj_1", "sub_1", opts)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, lease))

	ok, err := l.Extend(ctx, lease, 10*time.Second, now)
	require.NoError(t, err)
	require.False(t, ok)
}
