package entitlement

import (
	"context"
	"sort"
	"time"

	"github.com/flowbill/entitlements/internal/domain/grant"
	"github.com/flowbill/entitlements/internal/domain/meter"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// GrantLoader loads the grants a GrantsManager merges; callers own
// where grants are actually persisted (the in-memory, Postgres, and
// DynamoDB variants of EntitlementStorage all satisfy this).
type GrantLoader interface {
	ActiveGrantsForCustomer(ctx context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*grant.Grant, error)
}

// GrantsManager composes active grants into an effective entitlement
// and attributes consumption across them, per spec.md §4.2.
type GrantsManager struct {
	loader GrantLoader
	log    *logger.Logger
}

func NewGrantsManager(loader GrantLoader, log *logger.Logger) *GrantsManager {
	return &GrantsManager{loader: loader, log: log}
}

// ComputeGrantsForCustomer loads active grants for a customer (all
// features, or one if featureSlug is non-empty), groups them by
// feature, and merges each group into an EntitlementState.
func (m *GrantsManager) ComputeGrantsForCustomer(ctx context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*State, error) {
	grants, err := m.loader.ActiveGrantsForCustomer(ctx, projectID, customerID, now, featureSlug)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	active := lo.Filter(grants, func(g *grant.Grant, _ int) bool { return g.ActiveAt(now) })
	grouped := lo.GroupBy(active, func(g *grant.Grant) string { return g.FeatureSlug })

	states := make([]*State, 0, len(grouped))
	for slug, group := range grouped {
		state, err := m.mergeGroup(projectID, customerID, slug, group, now)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].FeatureSlug < states[j].FeatureSlug })
	return states, nil
}

// mergeGroup implements spec.md §4.2 steps 1-5 for one feature's group
// of active grants.
func (m *GrantsManager) mergeGroup(projectID, customerID, featureSlug string, group []*grant.Grant, now time.Time) (*State, error) {
	sort.Slice(group, func(i, j int) bool {
		if group[i].Priority != group[j].Priority {
			return group[i].Priority > group[j].Priority
		}
		return group[i].EffectiveAt.Before(group[j].EffectiveAt)
	})

	mergingPolicy := types.MergingSum
	if top := group[0]; top.Type == types.GrantTypeManual {
		mergingPolicy = types.MergingPriority
	}

	limit := m.mergeLimits(group, mergingPolicy)
	overage := m.mergeOverageStrategy(group, mergingPolicy)
	resetCfg := m.mergeResetConfig(group)

	var expiresAt *time.Time
	for _, g := range group {
		if g.ExpiresAt != nil && (expiresAt == nil || g.ExpiresAt.After(*expiresAt)) {
			expiresAt = g.ExpiresAt
		}
	}

	state := &State{
		ID:                ulid.Make().String(),
		ProjectID:         projectID,
		CustomerID:        customerID,
		FeatureSlug:       featureSlug,
		FeatureType:       types.FeatureTypeUsage,
		Limit:             limit,
		AggregationMethod: types.AggregationSum,
		MergingPolicy:     mergingPolicy,
		OverageStrategy:   overage,
		EffectiveAt:       group[len(group)-1].EffectiveAt,
		ExpiresAt:         expiresAt,
		ResetConfig:       resetCfg,
		Version:           ulid.Make().String(),
		ComputedAt:        now,
		Grants:            group,
	}
	return state, nil
}

// mergeLimits implements step 2: sum/max/priority.
func (m *GrantsManager) mergeLimits(group []*grant.Grant, policy types.MergingPolicy) *decimal.Decimal {
	switch policy {
	case types.MergingPriority:
		return group[0].Limit
	case types.MergingMax:
		var best *decimal.Decimal
		for _, g := range group {
			if g.IsUnlimited() {
				return nil
			}
			if best == nil || g.Limit.GreaterThan(*best) {
				best = g.Limit
			}
		}
		return best
	default: // sum
		total := decimal.Zero
		for _, g := range group {
			if g.IsUnlimited() {
				return nil
			}
			total = total.Add(*g.Limit)
		}
		return &total
	}
}

// mergeOverageStrategy implements step 3.
func (m *GrantsManager) mergeOverageStrategy(group []*grant.Grant, policy types.MergingPolicy) types.OverageStrategy {
	if policy == types.MergingPriority {
		return group[0].OverageStrategy
	}
	for _, g := range group {
		if g.AllowsOverage() {
			return types.OverageAlways
		}
	}
	return types.OverageNone
}

// mergeResetConfig implements step 4: shortest interval wins, ties
// broken lexicographically by grant ID.
func (m *GrantsManager) mergeResetConfig(group []*grant.Grant) *types.ResetConfig {
	var strictest *types.ResetConfig
	var strictestName string
	for _, g := range group {
		if g.ResetConfig == nil {
			continue
		}
		strictest = types.StricterResetConfig(strictest, g.ResetConfig, strictestName, g.ID)
		if strictest == g.ResetConfig {
			strictestName = g.ID
		}
	}
	return strictest
}

// Verify instantiates a meter over the aggregated state and checks
// admission without mutating anything.
func (m *GrantsManager) Verify(state *State, now time.Time) (*ConsumeResult, error) {
	if state == nil {
		return &ConsumeResult{Allowed: false, DeniedReason: types.DeniedEntitlementNotFound}, nil
	}
	if state.IsExpired(now) {
		return &ConsumeResult{Allowed: false, DeniedReason: types.DeniedEntitlementExpired, RetryAfterMs: -1}, nil
	}

	mtr := meter.New(state.meterConfig(), state.meterState())
	res, err := mtr.Verify(now, decimal.Zero)
	if err != nil {
		return nil, err
	}
	return &ConsumeResult{
		Allowed:      res.Allowed,
		Usage:        res.Usage,
		Remaining:    res.Remaining,
		DeniedReason: res.DeniedReason,
		RetryAfterMs: res.RetryAfterMs,
	}, nil
}

// Consume runs the meter's consume gate, and on allow attributes the
// consumed amount across the state's active grants in priority order.
func (m *GrantsManager) Consume(state *State, amount decimal.Decimal, now time.Time) (*ConsumeResult, error) {
	if state == nil {
		return &ConsumeResult{Allowed: false, DeniedReason: types.DeniedEntitlementNotFound}, nil
	}
	if state.IsExpired(now) {
		return &ConsumeResult{Allowed: false, DeniedReason: types.DeniedEntitlementExpired, RetryAfterMs: -1}, nil
	}

	mtr := meter.New(state.meterConfig(), state.meterState())
	res, err := mtr.Consume(amount, now)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return &ConsumeResult{
			Allowed:      false,
			Usage:        res.Usage,
			DeniedReason: res.DeniedReason,
			RetryAfterMs: res.RetryAfterMs,
		}, nil
	}

	state.applyMeterState(mtr.State)
	consumedFrom := m.attributeConsumption(state, amount, now)

	return &ConsumeResult{
		Allowed:           true,
		Usage:             res.Usage,
		Remaining:         res.Remaining,
		NotifiedOverLimit: res.NotifiedOverLimit,
		ConsumedFrom:      consumedFrom,
	}, nil
}

// attributeConsumption implements spec.md §4.2's attributeConsumption:
// iterate grants in (priority DESC, expiresAt ASC) order, allocating
// min(remaining, grant headroom) to each, until the amount is
// exhausted. Residual beyond all finite grants is attributed to the
// highest-priority overage-permitting grant, per this module's
// resolution of the open question in spec.md §9, or dropped from
// attribution if none permit it (the meter's usage still reflects it).
func (m *GrantsManager) attributeConsumption(state *State, amount decimal.Decimal, now time.Time) []ConsumedFrom {
	active := lo.Filter(state.Grants, func(g *grant.Grant, _ int) bool { return g.ActiveAt(now) })
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		if active[i].ExpiresAt == nil {
			return false
		}
		if active[j].ExpiresAt == nil {
			return true
		}
		return active[i].ExpiresAt.Before(*active[j].ExpiresAt)
	})

	if amount.Sign() < 0 {
		return attributeRefund(active, amount)
	}

	remaining := amount
	consumedPerGrant := make(map[string]decimal.Decimal)
	var out []ConsumedFrom

	var overageGrant *grant.Grant
	for _, g := range active {
		if remaining.Sign() <= 0 {
			break
		}
		if g.IsUnlimited() {
			out = append(out, ConsumedFrom{GrantID: g.ID, Amount: remaining, FeaturePlanVersionID: g.FeaturePlanVersionID})
			remaining = decimal.Zero
			break
		}
		headroom := g.Limit.Sub(consumedPerGrant[g.ID])
		if headroom.Sign() <= 0 {
			if g.AllowsOverage() && overageGrant == nil {
				overageGrant = g
			}
			continue
		}
		if g.AllowsOverage() && overageGrant == nil {
			overageGrant = g
		}

		take := decimal.Min(headroom, remaining)
		consumedPerGrant[g.ID] = consumedPerGrant[g.ID].Add(take)
		out = append(out, ConsumedFrom{GrantID: g.ID, Amount: take, FeaturePlanVersionID: g.FeaturePlanVersionID})
		remaining = remaining.Sub(take)
	}

	if remaining.Sign() > 0 && overageGrant != nil {
		out = append(out, ConsumedFrom{GrantID: overageGrant.ID, Amount: remaining, FeaturePlanVersionID: overageGrant.FeaturePlanVersionID})
	}

	return out
}

// attributeRefund books a negative (refund) amount entirely against
// the grant that would be drawn from first were the amount positive.
// This system keeps no per-grant consumption ledger across calls, only
// the aggregated meter total, so a refund cannot be replayed back
// against the specific grants an earlier positive amount was split
// across — it is attributed to the highest-priority active grant
// instead of silently vanishing from ConsumedFrom.
func attributeRefund(active []*grant.Grant, amount decimal.Decimal) []ConsumedFrom {
	if len(active) == 0 {
		return nil
	}
	g := active[0]
	return []ConsumedFrom{{GrantID: g.ID, Amount: amount, FeaturePlanVersionID: g.FeaturePlanVersionID}}
}
