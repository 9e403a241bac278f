package paymentprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutboundLimiter_WaitsPastBurst(t *testing.T) {
	l := newOutboundLimiter(2, 1)

	start := time.Now()
	require.NoError(t, l.wait(context.Background()))
	require.NoError(t, l.wait(context.Background()))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestOutboundLimiter_RespectsContextCancellation(t *testing.T) {
	l := newOutboundLimiter(0.1, 1)
	require.NoError(t, l.wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.wait(ctx)
	require.Error(t, err)
}
