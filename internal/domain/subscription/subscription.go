// Package subscription implements the subscription lifecycle: the
// Subscription/Phase model, and SubscriptionMachine, the hierarchical
// state machine that drives transitions (renewal, invoicing, trial
// expiry, cancellation) under the per-subscription lock.
package subscription

import (
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
)

// Status mirrors the SubscriptionMachine's persisted "subscription"-
// tagged states.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCanceling Status = "canceling"
	StatusExpiring  Status = "expiring"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
	StatusError     Status = "error"
)

// Active is true exactly when status is not expired, canceled, or idle
// (this system has no "idle" status, so expired/canceled are the only
// terminal non-active states).
func (s Status) Active() bool {
	return s != StatusExpired && s != StatusCanceled
}

// Subscription is the durable record SubscriptionService CRUDs and the
// SubscriptionMachine drives through Status transitions.
type Subscription struct {
	ID         string
	ProjectID  string
	CustomerID string
	PlanID     string

	Status Status
	Active bool

	Timezone string

	StartDate time.Time
	EndDate   *time.Time

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	TrialStart *time.Time
	TrialEnd   *time.Time

	CancelAt          *time.Time
	CancelledAt       *time.Time
	CancelAtPeriodEnd bool

	AutoRenew bool

	PaymentMethodID       string
	RequiredPaymentMethod bool

	ResetConfig types.ResetConfig

	Version int

	Metadata types.Metadata
	types.BaseModel
}

// IsTrialExpired reports whether the trial window has elapsed as of now.
func (s *Subscription) IsTrialExpired(now time.Time) bool {
	if s.TrialEnd == nil {
		return true
	}
	return !now.Before(*s.TrialEnd)
}

// HasValidPaymentMethod is the guard `hasValidPaymentMethod`.
func (s *Subscription) HasValidPaymentMethod() bool {
	if !s.RequiredPaymentMethod {
		return true
	}
	return s.PaymentMethodID != ""
}

// CanRenew is the guard `canRenew`: the subscription must have an end
// of its current billing period reached and not already be terminal.
func (s *Subscription) CanRenew(now time.Time) bool {
	return s.Status.Active() && !now.Before(s.CurrentPeriodEnd)
}

// IsAutoRenewEnabled is the guard `isAutoRenewEnabled`.
func (s *Subscription) IsAutoRenewEnabled() bool {
	return s.AutoRenew
}

// Location resolves the subscription's configured timezone to a
// *time.Location for cycle-window arithmetic, defaulting to UTC when
// unset. Abbreviations (e.g. "PST") are resolved to their IANA
// identifier first.
func (s *Subscription) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	if err := types.ValidateTimezone(s.Timezone); err != nil {
		return nil, ierr.NewErrorf("invalid subscription timezone %q", s.Timezone).
			WithHint("timezone must be a valid IANA identifier or recognized abbreviation").
			WithReportableDetails(map[string]any{"timezone": s.Timezone}).
			Mark(ierr.ErrValidation)
	}
	return time.LoadLocation(types.ResolveTimezone(s.Timezone))
}

// Phase is one segment of a subscription's lifetime with its own plan
// version and billing configuration; phases are strictly consecutive
// and never overlap.
type Phase struct {
	ID             string
	SubscriptionID string
	PlanVersionID  string
	StartAt        time.Time
	EndAt          *time.Time
	Metadata       types.Metadata
	types.BaseModel
}

// IsCurrentPhaseNull is the guard `isCurrentPhaseNull`, used by callers
// that load phases alongside the subscription.
func IsCurrentPhaseNull(phase *Phase) bool { return phase == nil }
