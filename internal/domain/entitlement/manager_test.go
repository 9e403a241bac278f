package entitlement

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/grant"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/types"
)

// fakeGrantLoader is an in-process GrantLoader so these tests don't
// reach into internal/storage; it applies the same ActiveAt filter a
// real backend would.
type fakeGrantLoader struct {
	grants []*grant.Grant
}

func (f *fakeGrantLoader) ActiveGrantsForCustomer(_ context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*grant.Grant, error) {
	out := make([]*grant.Grant, 0)
	for _, g := range f.grants {
		if g.TenantID != projectID || g.SubjectID != customerID {
			continue
		}
		if featureSlug != "" && g.FeatureSlug != featureSlug {
			continue
		}
		if !g.ActiveAt(now) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.Configuration{})
	require.NoError(t, err)
	return log
}

func limitOf(n int64) *decimal.Decimal {
	l := decimal.NewFromInt(n)
	return &l
}

func baseGrant(id string, priority int, limit int64, effectiveAt time.Time) *grant.Grant {
	return &grant.Grant{
		ID:          id,
		SubjectID:   "cust_1",
		FeatureSlug: "api_calls",
		Type:        types.GrantTypeSubscription,
		Priority:    priority,
		Limit:       limitOf(limit),
		EffectiveAt: effectiveAt,
		BaseModel:   types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}
}

// S4 — priority attribution: a higher-priority grant's headroom is
// drained before a lower-priority one is touched at all.
func TestGrantsManager_AttributesByPriorityBeforeLowerPriority(t *testing.T) {
	now := time.Now()
	high := baseGrant("grant_high", 20, 30, now.Add(-time.Hour))
	low := baseGrant("grant_low", 10, 100, now.Add(-time.Hour))

	loader := &fakeGrantLoader{grants: []*grant.Grant{high, low}}
	m := NewGrantsManager(loader, testLogger(t))

	states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	require.Len(t, states, 1)
	state := states[0]
	require.True(t, decimal.NewFromInt(130).Equal(*state.Limit), "merged limit sums both grants")

	res, err := m.Consume(state, decimal.NewFromInt(20), now)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, res.ConsumedFrom, 1, "fits entirely within the high-priority grant's headroom")
	require.Equal(t, "grant_high", res.ConsumedFrom[0].GrantID)
	require.True(t, decimal.NewFromInt(20).Equal(res.ConsumedFrom[0].Amount))
}

// S3 — overage attribution: once every finite grant's headroom is
// exhausted, the remainder is attributed to the overage-permitting
// grant rather than dropped.
func TestGrantsManager_SpillsAcrossGrantsThenOverage(t *testing.T) {
	now := time.Now()
	high := baseGrant("grant_high", 20, 30, now.Add(-time.Hour))
	overage := baseGrant("grant_overage", 10, 50, now.Add(-time.Hour))
	overage.OverageStrategy = types.OverageAlways

	loader := &fakeGrantLoader{grants: []*grant.Grant{high, overage}}
	m := NewGrantsManager(loader, testLogger(t))

	states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	state := states[0]

	// 30 drains grant_high entirely, 50 drains grant_overage entirely,
	// the remaining 15 must land as overage on grant_overage.
	res, err := m.Consume(state, decimal.NewFromInt(95), now)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	byGrant := map[string]decimal.Decimal{}
	for _, c := range res.ConsumedFrom {
		byGrant[c.GrantID] = byGrant[c.GrantID].Add(c.Amount)
	}
	require.True(t, decimal.NewFromInt(30).Equal(byGrant["grant_high"]))
	require.True(t, decimal.NewFromInt(65).Equal(byGrant["grant_overage"]), "50 headroom plus 15 overage")
}

func TestGrantsManager_UnlimitedGrantAbsorbsEntireAmount(t *testing.T) {
	now := time.Now()
	unlimited := &grant.Grant{
		ID: "grant_unlimited", SubjectID: "cust_1", FeatureSlug: "api_calls",
		Priority: 1, Limit: nil, EffectiveAt: now.Add(-time.Hour),
		BaseModel: types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}
	loader := &fakeGrantLoader{grants: []*grant.Grant{unlimited}}
	m := NewGrantsManager(loader, testLogger(t))

	states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	state := states[0]
	require.Nil(t, state.Limit)

	res, err := m.Consume(state, decimal.NewFromInt(1_000_000), now)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, res.ConsumedFrom, 1)
	require.Equal(t, "grant_unlimited", res.ConsumedFrom[0].GrantID)
}

// A manual grant forces priority merging: the top manual grant's own
// limit and overage strategy win outright rather than summing.
func TestGrantsManager_ManualGrantForcesPriorityMerging(t *testing.T) {
	now := time.Now()
	manual := baseGrant("grant_manual", 50, 10, now.Add(-time.Hour))
	manual.Type = types.GrantTypeManual
	subscriptionGrant := baseGrant("grant_sub", 10, 1000, now.Add(-time.Hour))

	loader := &fakeGrantLoader{grants: []*grant.Grant{manual, subscriptionGrant}}
	m := NewGrantsManager(loader, testLogger(t))

	states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(10).Equal(*states[0].Limit), "priority merge takes the top grant's own limit, not the sum")
}

// Negative amounts (refunds) are attributed to the highest-priority
// active grant rather than vanishing from ConsumedFrom.
func TestGrantsManager_RefundIsAttributedToTopGrant(t *testing.T) {
	now := time.Now()
	high := baseGrant("grant_high", 20, 100, now.Add(-time.Hour))
	low := baseGrant("grant_low", 10, 100, now.Add(-time.Hour))

	loader := &fakeGrantLoader{grants: []*grant.Grant{high, low}}
	m := NewGrantsManager(loader, testLogger(t))

	states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	state := states[0]
	state.AggregationMethod = types.AggregationSum

	_, err = m.Consume(state, decimal.NewFromInt(40), now)
	require.NoError(t, err)

	res, err := m.Consume(state, decimal.NewFromInt(-15), now)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, res.ConsumedFrom, 1)
	require.Equal(t, "grant_high", res.ConsumedFrom[0].GrantID)
	require.True(t, decimal.NewFromInt(-15).Equal(res.ConsumedFrom[0].Amount))
	require.True(t, decimal.NewFromInt(25).Equal(res.Usage))
}

// Property: attributed amounts for a positive consume always sum to
// the requested amount, across randomized grant layouts and amounts.
func TestGrantsManager_AttributedAmountsSumToRequested(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for i := 0; i < 50; i++ {
		numGrants := 1 + rng.Intn(4)
		grants := make([]*grant.Grant, numGrants)
		var totalLimit int64
		for g := 0; g < numGrants; g++ {
			limit := int64(1 + rng.Intn(500))
			totalLimit += limit
			grants[g] = baseGrant(
				"grant_"+string(rune('a'+g)),
				rng.Intn(100),
				limit,
				now.Add(-time.Hour),
			)
			if rng.Intn(4) == 0 {
				grants[g].OverageStrategy = types.OverageAlways
			}
		}

		loader := &fakeGrantLoader{grants: grants}
		m := NewGrantsManager(loader, testLogger(t))
		states, err := m.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
		require.NoError(t, err)
		state := states[0]

		amount := decimal.NewFromInt(int64(1 + rng.Intn(int(totalLimit)+50)))
		res, err := m.Consume(state, amount, now)
		require.NoError(t, err)
		if !res.Allowed {
			continue
		}

		sum := decimal.Zero
		for _, c := range res.ConsumedFrom {
			sum = sum.Add(c.Amount)
		}
		require.Truef(t, sum.Equal(amount), "attributed amounts must sum to the requested amount: got %s want %s", sum, amount)
	}
}
