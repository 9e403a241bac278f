package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestProrateLimitChange_UnlimitedToFiniteResets(t *testing.T) {
	cycleStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)
	now := cycleStart.AddDate(0, 0, 10)

	res := ProrateLimitChange(nil, decPtr(1000), cycleStart, cycleEnd, now, decimal.NewFromInt(500))
	require.Equal(t, ActionReset, res.Action)
	require.True(t, res.SnapshotUsage.IsZero())
}

func TestProrateLimitChange_FiniteToUnlimitedCarries(t *testing.T) {
	cycleStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)
	now := cycleStart.AddDate(0, 0, 10)

	res := ProrateLimitChange(decPtr(1000), nil, cycleStart, cycleEnd, now, decimal.NewFromInt(300))
	require.Equal(t, ActionCarry, res.Action)
	require.True(t, res.SnapshotUsage.Equal(decimal.NewFromInt(300)))
}

func TestProrateLimitChange_DowngradeScalesUnderNewLimit(t *testing.T) {
	cycleStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)
	now := cycleStart.AddDate(0, 0, 10)

	// usage 900 out of old limit 1000, downgraded to 200: scaled 180, under new limit.
	res := ProrateLimitChange(decPtr(1000), decPtr(200), cycleStart, cycleEnd, now, decimal.NewFromInt(900))
	require.Equal(t, ActionScale, res.Action)
	require.True(t, res.SnapshotUsage.Equal(decimal.NewFromInt(180)), res.SnapshotUsage.String())
}

func TestProrateLimitChange_UpgradeScalesWithinNewLimit(t *testing.T) {
	cycleStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)
	now := cycleStart.AddDate(0, 0, 10)

	res := ProrateLimitChange(decPtr(100), decPtr(1000), cycleStart, cycleEnd, now, decimal.NewFromInt(100))
	require.Equal(t, ActionScale, res.Action)
	require.True(t, res.SnapshotUsage.Equal(decimal.NewFromInt(1000)))
}

func TestProrateLimitChange_OutsideCycleCarries(t *testing.T) {
	cycleStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)
	afterCycle := cycleEnd.AddDate(0, 0, 1)

	res := ProrateLimitChange(decPtr(100), decPtr(200), cycleStart, cycleEnd, afterCycle, decimal.NewFromInt(50))
	require.Equal(t, ActionCarry, res.Action)
	require.True(t, res.SnapshotUsage.Equal(decimal.NewFromInt(50)))
}
