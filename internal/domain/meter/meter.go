// Package meter implements the deterministic per-entitlement usage
// bucket: consume, verify, refund, and cycle reset, over decimal
// arithmetic so repeated additions never drift the way binary floats
// would.
package meter

import (
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// unboundedCapacity marks a meter with no ceiling; negative capacities
// and featureType=flat both collapse to this sentinel via IsUnlimited.
var unboundedCapacity = decimal.NewFromInt(-1)

// Config is the static policy a meter enforces. It never changes
// within a single consume/verify call; GrantsManager rebuilds it
// whenever the active grant set changes.
type Config struct {
	Capacity          decimal.Decimal // negative means unlimited
	FeatureType       types.FeatureType
	AggregationMethod types.AggregationMethod
	OverageStrategy   types.OverageStrategy
	StartDate         time.Time
	EndDate           *time.Time // nil means no expiry
	ResetConfig       *types.ResetConfig
	// Anchor is the reference point reset-boundary math aligns to
	// (typically the owning grant's effectiveAt).
	Anchor time.Time
	// MaxBurstPercentage caps reported remaining without changing
	// admission logic (spec.md §4.1 "tie-breaks").
	MaxBurstPercentage decimal.Decimal
}

// IsUnlimited reports whether this config imposes no cap at all.
func (c Config) IsUnlimited() bool {
	return c.FeatureType == types.FeatureTypeFlat || c.Capacity.Sign() < 0
}

// State is the mutable counter state a meter reads and writes. It is
// the embedded "Meter" portion of EntitlementState (spec.md §3).
type State struct {
	Usage          decimal.Decimal
	SnapshotUsage  decimal.Decimal
	LastUpdated    time.Time
	LastCycleStart time.Time
	// cycleStartSet distinguishes "never synced" from "synced to the
	// zero time", since LastCycleStart's zero value is a valid boundary
	// for grants effective at the Unix epoch in tests.
	cycleStartSet bool
}

// NewState returns a fresh, never-synced counter at zero.
func NewState() State {
	return State{Usage: decimal.Zero, SnapshotUsage: decimal.Zero}
}

// Result is returned by verify/consume.
type Result struct {
	Allowed           bool
	Usage             decimal.Decimal
	Remaining         decimal.Decimal
	OverThreshold     bool
	NotifiedOverLimit bool
	DeniedReason      types.DeniedReason
	RetryAfterMs      int64
}

// Meter binds a Config to a mutable State for one verify/consume call.
// Callers reconstruct a Meter per call from persisted Config/State; it
// holds no resources of its own.
type Meter struct {
	Config Config
	State  State
}

// New builds a Meter over the given config and state.
func New(cfg Config, state State) *Meter {
	return &Meter{Config: cfg, State: state}
}

// isExpired reports whether now falls outside [StartDate, EndDate].
func (m *Meter) isExpired(now time.Time) bool {
	if now.Before(m.Config.StartDate) {
		return true
	}
	if m.Config.EndDate != nil && now.After(*m.Config.EndDate) {
		return true
	}
	return false
}

// sync advances LastCycleStart to the window containing now, resetting
// Usage when a boundary was crossed and the aggregation method's scope
// is period-bound. *_all methods never reset at a boundary.
func (m *Meter) sync(now time.Time) error {
	if now.Before(m.Config.StartDate) || m.Config.ResetConfig == nil {
		return nil
	}

	windowStart, _, err := types.CalculateCycleWindow(
		now,
		m.Config.Anchor,
		m.currentWindowStart(),
		m.currentWindowEnd(),
		m.Config.Anchor,
		*m.Config.ResetConfig,
	)
	if err != nil {
		return err
	}

	if !m.State.cycleStartSet && m.State.LastCycleStart.IsZero() {
		m.State.LastCycleStart = windowStart
		m.State.cycleStartSet = true
	} else if m.State.LastCycleStart.Before(windowStart) {
		if m.Config.AggregationMethod.Scope() == types.ScopePeriod {
			m.State.Usage = decimal.Zero
		}
		m.State.LastCycleStart = windowStart
	}

	m.State.LastUpdated = now
	return nil
}

// currentWindowStart/End bootstrap CalculateCycleWindow's "current
// known window" inputs from whatever we last observed; on the very
// first sync these equal the anchor's own cycle, since
// CalculateCycleWindow falls through to the grant-effective-date search
// path when now is outside [start,end).
func (m *Meter) currentWindowStart() time.Time {
	if m.State.cycleStartSet {
		return m.State.LastCycleStart
	}
	return m.Config.Anchor
}

func (m *Meter) currentWindowEnd() time.Time {
	if m.Config.ResetConfig == nil {
		return m.currentWindowStart()
	}
	end, err := types.NextResetDate(m.currentWindowStart(), m.Config.Anchor, *m.Config.ResetConfig)
	if err != nil {
		return m.currentWindowStart()
	}
	return end
}

// isValidUsage rejects negative deltas on non-sum behaviors and deltas
// that would drive Usage below zero.
func (m *Meter) isValidUsage(cost decimal.Decimal) bool {
	if cost.Sign() < 0 {
		if m.Config.AggregationMethod.Behavior() != types.BehaviorSum {
			return false
		}
		if m.State.Usage.Add(cost).Sign() < 0 {
			return false
		}
	}
	return true
}

// updateUsage applies amount a to Usage per the aggregation table in
// spec.md §4.1.
func (m *Meter) updateUsage(a decimal.Decimal) {
	switch m.Config.AggregationMethod.Behavior() {
	case types.BehaviorSum:
		m.State.Usage = m.State.Usage.Add(a)
	case types.BehaviorMax:
		m.State.Usage = decimal.Max(m.State.Usage, a)
	case types.BehaviorCount:
		m.State.Usage = m.State.Usage.Add(decimal.NewFromInt(1))
	case types.BehaviorLast:
		m.State.Usage = a
	}
}

// timeUntilNextPeriod returns ms until the meter's current cycle ends,
// or -1 if there is no reset cycle (so retrying is pointless).
func (m *Meter) timeUntilNextPeriod(now time.Time) int64 {
	if m.Config.ResetConfig == nil {
		return -1
	}
	end := m.currentWindowEnd()
	if !end.After(now) {
		return 0
	}
	return end.Sub(now).Milliseconds()
}

// remainingCapped applies MaxBurstPercentage to the reported remaining
// without altering admission logic.
func (m *Meter) remainingCapped(remaining decimal.Decimal) decimal.Decimal {
	if m.Config.MaxBurstPercentage.IsZero() || m.Config.Capacity.Sign() < 0 {
		return remaining
	}
	cap := m.Config.Capacity.Mul(m.Config.MaxBurstPercentage)
	if remaining.GreaterThan(cap) {
		return cap
	}
	return remaining
}

// Verify runs the same admission gate as Consume but never mutates
// state, and treats overageStrategy=always as always allowed.
func (m *Meter) Verify(now time.Time, cost decimal.Decimal) (Result, error) {
	clone := *m // State is a value field; evaluate(mutate=false) never writes back anyway
	return clone.evaluate(now, cost, false)
}

// Consume runs the admission gate and, on allow, mutates State.
func (m *Meter) Consume(cost decimal.Decimal, now time.Time) (Result, error) {
	if m.Config.FeatureType == types.FeatureTypeFlat {
		return Result{Allowed: false, DeniedReason: types.DeniedFlatFeatureReportUsage},
			ierr.NewError("flat features do not accept reportUsage").
				WithHint("flat features are boolean rights with no meter").
				Mark(ierr.ErrInvalidOperation)
	}
	return m.evaluate(now, cost, true)
}

// evaluate implements spec.md §4.1's consume algorithm; mutate selects
// whether step 7 (updateUsage) actually runs.
func (m *Meter) evaluate(now time.Time, cost decimal.Decimal, mutate bool) (Result, error) {
	if err := m.sync(now); err != nil {
		return Result{}, err
	}

	if !m.isValidUsage(cost) {
		return Result{}, ierr.NewErrorf("invalid usage amount %s for aggregation method %s", cost, m.Config.AggregationMethod).
			WithHint("negative amounts are only valid for sum-behavior aggregation and must not drive usage below zero").
			Mark(ierr.ErrValidation)
	}

	if m.isExpired(now) {
		return Result{Allowed: false, DeniedReason: types.DeniedEntitlementExpired, RetryAfterMs: -1}, nil
	}

	if m.Config.IsUnlimited() {
		if mutate {
			m.updateUsage(cost)
		}
		return Result{Allowed: true, Usage: m.State.Usage, Remaining: decimal.NewFromInt(-1)}, nil
	}

	currentTokens := m.Config.Capacity.Sub(m.State.Usage)

	var allowed bool
	switch m.Config.OverageStrategy {
	case types.OverageNone:
		allowed = currentTokens.GreaterThanOrEqual(cost)
	case types.OverageLastCall:
		allowed = cost.Sign() <= 0 || currentTokens.Sign() > 0
	case types.OverageAlways:
		allowed = true
	default:
		allowed = currentTokens.GreaterThanOrEqual(cost)
	}

	if !allowed {
		return Result{
			Allowed:      false,
			Usage:        m.State.Usage,
			DeniedReason: types.DeniedLimitExceeded,
			RetryAfterMs: m.timeUntilNextPeriod(now),
		}, nil
	}

	if mutate {
		m.updateUsage(cost)
	}

	remaining := m.Config.Capacity.Sub(m.State.Usage)
	overThreshold := false
	notifiedOverLimit := m.State.Usage.GreaterThan(m.Config.Capacity)

	return Result{
		Allowed:           true,
		Usage:             m.State.Usage,
		Remaining:         m.remainingCapped(remaining),
		OverThreshold:     overThreshold,
		NotifiedOverLimit: notifiedOverLimit,
	}, nil
}

// ToPersist returns the subset of State that is durably written back:
// usage, lastUpdated and lastCycleStart.
func (m *Meter) ToPersist() (usage decimal.Decimal, lastUpdated time.Time, lastCycleStart time.Time) {
	return m.State.Usage, m.State.LastUpdated, m.State.LastCycleStart
}
