// Package entitlement implements the grants manager: merging
// overlapping Grant records into one effective EntitlementState and
// attributing consumption across them by priority.
package entitlement

import (
	"time"

	"github.com/flowbill/entitlements/internal/domain/grant"
	"github.com/flowbill/entitlements/internal/domain/meter"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// State is the materialized projection a serving path reads, keyed by
// (projectId, customerId, featureSlug).
type State struct {
	ID          string
	ProjectID   string
	CustomerID  string
	FeatureSlug string
	FeatureType types.FeatureType

	Limit             *decimal.Decimal
	AggregationMethod types.AggregationMethod
	MergingPolicy     types.MergingPolicy
	OverageStrategy   types.OverageStrategy
	Threshold         *decimal.Decimal

	EffectiveAt time.Time
	ExpiresAt   *time.Time
	ResetConfig *types.ResetConfig

	Version          string
	ComputedAt       time.Time
	NextRevalidateAt time.Time

	Usage            decimal.Decimal
	SnapshotUsage    decimal.Decimal
	LastReconciledID string
	LastUpdated      time.Time
	LastCycleStart   time.Time

	Grants []*grant.Grant
}

// Key returns the opaque storage key "{projectId}:{customerId}:{featureSlug}".
func (s *State) Key() string {
	return s.ProjectID + ":" + s.CustomerID + ":" + s.FeatureSlug
}

// IsExpired reports whether now falls outside the state's effective
// window.
func (s *State) IsExpired(now time.Time) bool {
	if now.Before(s.EffectiveAt) {
		return true
	}
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return true
	}
	return false
}

// meterConfig projects this state into a meter.Config for verify/consume.
func (s *State) meterConfig() meter.Config {
	capacity := decimal.NewFromInt(-1)
	if s.Limit != nil {
		capacity = *s.Limit
	}
	cfg := meter.Config{
		Capacity:          capacity,
		FeatureType:       s.FeatureType,
		AggregationMethod: s.AggregationMethod,
		OverageStrategy:   s.OverageStrategy,
		StartDate:         s.EffectiveAt,
		EndDate:           s.ExpiresAt,
		ResetConfig:       s.ResetConfig,
		Anchor:            s.EffectiveAt,
	}
	return cfg
}

func (s *State) meterState() meter.State {
	return meter.State{
		Usage:          s.Usage,
		SnapshotUsage:  s.SnapshotUsage,
		LastUpdated:    s.LastUpdated,
		LastCycleStart: s.LastCycleStart,
	}
}

func (s *State) applyMeterState(st meter.State) {
	s.Usage = st.Usage
	s.SnapshotUsage = st.SnapshotUsage
	s.LastUpdated = st.LastUpdated
	s.LastCycleStart = st.LastCycleStart
}

// UsageRecord is buffered on every accepted (and attempted) reportUsage
// call and flushed to analytics.
type UsageRecord struct {
	EntitlementID  string
	GrantID        string
	Amount         decimal.Decimal
	Timestamp      time.Time
	IdempotenceKey string
	RequestID      string
	Metadata       types.Metadata
}

// VerificationRecord is buffered on every verify call, allowed or not.
type VerificationRecord struct {
	EntitlementID string
	Timestamp     time.Time
	Allowed       bool
	DeniedReason  types.DeniedReason
	LatencyMs     int64
	RequestID     string
	Metadata      types.Metadata
}

// ConsumedFrom is one grant's share of an attributed amount.
type ConsumedFrom struct {
	GrantID              string
	Amount               decimal.Decimal
	FeaturePlanVersionID string
}

// ConsumeResult is what GrantsManager.Consume returns.
type ConsumeResult struct {
	Allowed           bool
	Usage             decimal.Decimal
	Remaining         decimal.Decimal
	NotifiedOverLimit bool
	DeniedReason      types.DeniedReason
	RetryAfterMs      int64
	ConsumedFrom      []ConsumedFrom
}
