package types

import (
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/samber/lo"
)

// FeatureType classifies what kind of right a feature grants. A flat
// feature is a boolean on/off right with no meter (spec.md §4.1: meters
// over a flat feature always report unlimited and reject reportUsage).
type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeUsage   FeatureType = "usage"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypePackage FeatureType = "package"
)

func (t FeatureType) Validate() error {
	allowed := []FeatureType{FeatureTypeFlat, FeatureTypeUsage, FeatureTypeTier, FeatureTypePackage}
	if !lo.Contains(allowed, t) {
		return ierr.NewErrorf("invalid feature type %q", t).
			WithHint("feature_type must be one of flat, usage, tier, package").
			WithReportableDetails(map[string]interface{}{"feature_type": t}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// AggregationMethod is how incoming usage amounts combine into the
// meter's counter. See spec.md §4.1's aggregation table.
type AggregationMethod string

const (
	AggregationSum              AggregationMethod = "sum"
	AggregationSumAll           AggregationMethod = "sum_all"
	AggregationMax              AggregationMethod = "max"
	AggregationMaxAll           AggregationMethod = "max_all"
	AggregationCount            AggregationMethod = "count"
	AggregationCountAll         AggregationMethod = "count_all"
	AggregationLastDuringPeriod AggregationMethod = "last_during_period"
)

// AggregationBehavior is the arithmetic operation a method performs.
type AggregationBehavior string

const (
	BehaviorSum   AggregationBehavior = "sum"
	BehaviorMax   AggregationBehavior = "max"
	BehaviorCount AggregationBehavior = "count"
	BehaviorLast  AggregationBehavior = "last"
)

// AggregationScope determines whether a meter's counter resets on cycle
// boundaries (period) or accumulates forever (lifetime).
type AggregationScope string

const (
	ScopePeriod   AggregationScope = "period"
	ScopeLifetime AggregationScope = "lifetime"
)

// Behavior returns the arithmetic operation for this method.
func (m AggregationMethod) Behavior() AggregationBehavior {
	switch m {
	case AggregationSum, AggregationSumAll:
		return BehaviorSum
	case AggregationMax, AggregationMaxAll:
		return BehaviorMax
	case AggregationCount, AggregationCountAll:
		return BehaviorCount
	case AggregationLastDuringPeriod:
		return BehaviorLast
	default:
		return BehaviorSum
	}
}

// Scope returns whether this method resets at cycle boundaries.
func (m AggregationMethod) Scope() AggregationScope {
	switch m {
	case AggregationSumAll, AggregationMaxAll, AggregationCountAll:
		return ScopeLifetime
	default:
		return ScopePeriod
	}
}

func (m AggregationMethod) Validate() error {
	allowed := []AggregationMethod{
		AggregationSum, AggregationSumAll, AggregationMax, AggregationMaxAll,
		AggregationCount, AggregationCountAll, AggregationLastDuringPeriod,
	}
	if !lo.Contains(allowed, m) {
		return ierr.NewErrorf("invalid aggregation method %q", m).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// OverageStrategy is the admission policy applied once usage would
// exceed capacity. See spec.md §4.1 step 6.
type OverageStrategy string

const (
	OverageNone     OverageStrategy = "none"
	OverageLastCall OverageStrategy = "last_call"
	OverageAlways   OverageStrategy = "always"
)

func (o OverageStrategy) Validate() error {
	allowed := []OverageStrategy{OverageNone, OverageLastCall, OverageAlways}
	if !lo.Contains(allowed, o) {
		return ierr.NewErrorf("invalid overage strategy %q", o).Mark(ierr.ErrValidation)
	}
	return nil
}

// MergingPolicy decides how multiple active grants' limits and overage
// strategies combine into one effective entitlement. spec.md §4.2.
type MergingPolicy string

const (
	MergingSum      MergingPolicy = "sum"
	MergingMax      MergingPolicy = "max"
	MergingPriority MergingPolicy = "priority"
)

func (m MergingPolicy) Validate() error {
	allowed := []MergingPolicy{MergingSum, MergingMax, MergingPriority}
	if !lo.Contains(allowed, m) {
		return ierr.NewErrorf("invalid merging policy %q", m).Mark(ierr.ErrValidation)
	}
	return nil
}

// GrantType is the source that issued a Grant.
type GrantType string

const (
	GrantTypeSubscription GrantType = "subscription"
	GrantTypeAddon        GrantType = "addon"
	GrantTypePromotion    GrantType = "promotion"
	GrantTypeManual       GrantType = "manual"
)

// DeniedReason is the closed set of reasons verify/consume can deny.
type DeniedReason string

const (
	DeniedEntitlementNotFound    DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedEntitlementExpired     DeniedReason = "ENTITLEMENT_EXPIRED"
	DeniedLimitExceeded          DeniedReason = "LIMIT_EXCEEDED"
	DeniedFlatFeatureReportUsage DeniedReason = "FLAT_FEATURE_NOT_ALLOWED_REPORT_USAGE"
	DeniedInvalidUsage           DeniedReason = "INVALID_USAGE"
)

// ResetPlanType distinguishes a calendar-aligned reset window (day of
// month taken from ResetConfig.Anchor) from an anniversary-aligned one
// (anchored to the grant's effectiveAt). Daily and weekly windows follow
// the anchor time under both plan types; calendar weeks do not start on
// a fixed weekday.
type ResetPlanType string

const (
	ResetPlanCalendar    ResetPlanType = "calendar"
	ResetPlanAnniversary ResetPlanType = "anniversary"
)

// ResetInterval is the unit a ResetConfig's cycle repeats on.
type ResetInterval string

const (
	ResetIntervalDaily     ResetInterval = "daily"
	ResetIntervalWeekly    ResetInterval = "weekly"
	ResetIntervalMonthly   ResetInterval = "monthly"
	ResetIntervalQuarterly ResetInterval = "quarterly"
	ResetIntervalHalfYear  ResetInterval = "half_year"
	ResetIntervalAnnual    ResetInterval = "annual"

	// NoReset designates a meter with no cycle; its scope is effectively
	// always lifetime no matter what AggregationMethod.Scope() reports.
	NoReset ResetInterval = ""
)

// approxDays returns each interval's nominal length, used only to
// rank intervals by strictness (shortest wins ties per spec.md §4.2 step
// 4) — never for actual date math, which always goes through
// NextResetDate.
func (r ResetInterval) approxDays(count int) int {
	days := map[ResetInterval]int{
		ResetIntervalDaily:     1,
		ResetIntervalWeekly:    7,
		ResetIntervalMonthly:   30,
		ResetIntervalQuarterly: 91,
		ResetIntervalHalfYear:  182,
		ResetIntervalAnnual:    365,
	}
	if d, ok := days[r]; ok {
		return d * count
	}
	return 0
}

// StricterResetConfig implements spec.md §4.2 step 4: "carry the
// strictest resetConfig (shortest interval wins when policies differ;
// tie -> lexicographic order of name)".
func StricterResetConfig(a, b *ResetConfig, aName, bName string) *ResetConfig {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	da := a.Interval.approxDays(a.IntervalCount)
	db := b.Interval.approxDays(b.IntervalCount)
	if da != db {
		if da < db {
			return a
		}
		return b
	}
	if aName <= bName {
		return a
	}
	return b
}

// ResetConfig describes a meter's recurring reset cycle.
type ResetConfig struct {
	Interval      ResetInterval `json:"interval"`
	IntervalCount int           `json:"interval_count"`
	// Anchor is the day of the month monthly, quarterly, half-year and
	// annual cycles align to when PlanType is calendar (annual cycles
	// take the month from the anchor time); zero means the anchor time's
	// day of month. Daily and weekly cycles ignore it.
	Anchor   int           `json:"anchor"`
	PlanType ResetPlanType `json:"plan_type"`
}

// CancellationType mirrors the two ways a subscription can end.
type CancellationType string

const (
	CancellationImmediate   CancellationType = "immediate"
	CancellationAtPeriodEnd CancellationType = "end_of_period"
)
