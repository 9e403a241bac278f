package service

import (
	"time"

	"github.com/flowbill/entitlements/internal/domain/subscription"
	"github.com/flowbill/entitlements/internal/types"
)

// calculateCycleWindow implements spec.md's calculateCycleWindow: a
// pure function returning the half-open [start, end) cycle containing
// now, honoring the subscription's anchor and excluding any trial
// period from the billing cycle count.
func calculateCycleWindow(sub *subscription.Subscription, now time.Time) (time.Time, time.Time, error) {
	loc, err := sub.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	effectiveStart := sub.StartDate.In(loc)
	if sub.TrialEnd != nil && sub.TrialEnd.After(effectiveStart) {
		effectiveStart = sub.TrialEnd.In(loc)
	}

	return types.CalculateCycleWindow(
		now.In(loc),
		effectiveStart,
		sub.CurrentPeriodStart.In(loc),
		sub.CurrentPeriodEnd.In(loc),
		effectiveStart,
		sub.ResetConfig,
	)
}
