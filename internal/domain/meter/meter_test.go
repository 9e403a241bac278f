package meter

import (
	"testing"
	"time"

	"github.com/flowbill/entitlements/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weeklyConfig(capacity int64, overage types.OverageStrategy, anchor time.Time) Config {
	return Config{
		Capacity:          decimal.NewFromInt(capacity),
		FeatureType:       types.FeatureTypeUsage,
		AggregationMethod: types.AggregationSum,
		OverageStrategy:   overage,
		StartDate:         anchor,
		Anchor:            anchor,
		ResetConfig: &types.ResetConfig{
			Interval:      types.ResetIntervalWeekly,
			IntervalCount: 1,
			PlanType:      types.ResetPlanAnniversary,
		},
	}
}

// S1 — Weekly reset (spec §8 S1).
func TestMeter_WeeklyReset(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	cfg := weeklyConfig(100, types.OverageNone, monday)
	m := New(cfg, NewState())

	res, err := m.Consume(decimal.NewFromInt(50), monday.AddDate(0, 0, 2)) // Wed
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, decimal.NewFromInt(50).Equal(res.Usage))

	res, err = m.Consume(decimal.NewFromInt(10), monday.AddDate(0, 0, 3)) // Thu
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, decimal.NewFromInt(60).Equal(res.Usage))

	nextTue := monday.AddDate(0, 0, 8) // following Tuesday, past the Monday reset
	res, err = m.Consume(decimal.NewFromInt(20), nextTue)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, decimal.NewFromInt(20).Equal(res.Usage), "usage should reset across the weekly boundary")

	res, err = m.Consume(decimal.NewFromInt(10), monday.AddDate(0, 0, 9)) // next Wed
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, decimal.NewFromInt(30).Equal(res.Usage))
}

// S2 — Hard limit.
func TestMeter_HardLimitDenies(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Capacity:          decimal.NewFromInt(50),
		FeatureType:       types.FeatureTypeUsage,
		AggregationMethod: types.AggregationSum,
		OverageStrategy:   types.OverageNone,
		StartDate:         now.Add(-time.Hour),
	}
	m := New(cfg, NewState())

	res, err := m.Consume(decimal.NewFromInt(51), now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.DeniedLimitExceeded, res.DeniedReason)
	assert.True(t, m.State.Usage.IsZero())
}

// S5 — Expired entitlement.
func TestMeter_ExpiredDeniesWithNegativeRetry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	cfg := Config{
		Capacity:    decimal.NewFromInt(10),
		FeatureType: types.FeatureTypeUsage,
		StartDate:   now.Add(-2 * time.Hour),
		EndDate:     &past,
	}
	m := New(cfg, NewState())

	res, err := m.Consume(decimal.NewFromInt(1), now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.DeniedEntitlementExpired, res.DeniedReason)
	assert.EqualValues(t, -1, res.RetryAfterMs)
}

// Verify is side-effect-free and agrees with a zero-cost consume (property 3).
func TestMeter_VerifyMatchesZeroCostConsume(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Capacity:          decimal.NewFromInt(10),
		FeatureType:       types.FeatureTypeUsage,
		AggregationMethod: types.AggregationSum,
		OverageStrategy:   types.OverageNone,
		StartDate:         now.Add(-time.Hour),
	}
	m := New(cfg, NewState())

	vRes, err := m.Verify(now, decimal.Zero)
	require.NoError(t, err)

	cRes, err := m.Consume(decimal.Zero, now)
	require.NoError(t, err)

	assert.Equal(t, vRes.Allowed, cRes.Allowed)
	assert.True(t, m.State.Usage.IsZero(), "verify must never mutate state")
}

func TestMeter_FlatFeatureRejectsReportUsage(t *testing.T) {
	cfg := Config{FeatureType: types.FeatureTypeFlat}
	m := New(cfg, NewState())

	res, err := m.Consume(decimal.NewFromInt(1), time.Now())
	require.Error(t, err)
	assert.Equal(t, types.DeniedFlatFeatureReportUsage, res.DeniedReason)
}

func TestMeter_LastCallGrantsOneTerminalConsume(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Capacity:          decimal.Zero,
		FeatureType:       types.FeatureTypeUsage,
		AggregationMethod: types.AggregationSum,
		OverageStrategy:   types.OverageLastCall,
		StartDate:         now.Add(-time.Hour),
	}
	m := New(cfg, NewState())

	first, err := m.Consume(decimal.NewFromInt(5), now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := m.Consume(decimal.NewFromInt(1), now)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
}

func TestMeter_SumAllNeverResetsAtBoundary(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cfg := Config{
		Capacity:          decimal.NewFromInt(1000),
		FeatureType:       types.FeatureTypeUsage,
		AggregationMethod: types.AggregationSumAll,
		OverageStrategy:   types.OverageNone,
		StartDate:         monday,
		Anchor:            monday,
		ResetConfig: &types.ResetConfig{
			Interval:      types.ResetIntervalWeekly,
			IntervalCount: 1,
			PlanType:      types.ResetPlanAnniversary,
		},
	}
	m := New(cfg, NewState())

	_, err := m.Consume(decimal.NewFromInt(50), monday.AddDate(0, 0, 2))
	require.NoError(t, err)
	res, err := m.Consume(decimal.NewFromInt(10), monday.AddDate(0, 0, 10)) // past the weekly boundary
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60).Equal(res.Usage), "sum_all must accumulate across cycle boundaries")
}
