// Package proration computes how a meter's carried usage should change
// when the effective limit for a feature shifts mid-cycle — a plan
// upgrade or downgrade landing between two scheduled resets.
package proration

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action describes what ProrateLimitChange decided to do with the
// snapshotUsage carried into the new limit.
type Action string

const (
	// ActionCarry leaves snapshotUsage untouched: the limit changed but
	// usage already recorded this cycle still counts in full.
	ActionCarry Action = "carry"
	// ActionReset zeroes snapshotUsage: the new limit is treated as a
	// fresh grant starting now.
	ActionReset Action = "reset"
	// ActionScale rescales snapshotUsage by newLimit/oldLimit, capped at
	// newLimit.
	ActionScale Action = "scale"
)

// Result is ProrateLimitChange's decision plus the usage value to carry.
type Result struct {
	Action        Action
	SnapshotUsage decimal.Decimal
}

// ProrateLimitChange decides how to carry snapshotUsage across a
// mid-cycle limit change from oldLimit to newLimit within
// [cycleStart, cycleEnd). A nil limit means unlimited and is never
// prorated (there is nothing to scale against).
//
//   - unlimited -> finite: reset. There is no meaningful usage ratio to
//     carry from an unbounded grant.
//   - finite -> unlimited: carry. The recorded usage is still real
//     consumption; it just no longer counts against anything.
//   - finite -> finite, same cycle: scale snapshotUsage by
//     newLimit/oldLimit, capped at newLimit, so a downgrade can't leave
//     usage exceeding the new limit by more than it already did, and an
//     upgrade doesn't retroactively grant unused headroom.
//   - now outside [cycleStart, cycleEnd): carry as-is; the next sync
//     will reset the cycle anyway.
func ProrateLimitChange(oldLimit, newLimit *decimal.Decimal, cycleStart, cycleEnd, now time.Time, snapshotUsage decimal.Decimal) Result {
	if now.Before(cycleStart) || !now.Before(cycleEnd) {
		return Result{Action: ActionCarry, SnapshotUsage: snapshotUsage}
	}

	switch {
	case oldLimit == nil && newLimit == nil:
		return Result{Action: ActionCarry, SnapshotUsage: snapshotUsage}
	case oldLimit == nil && newLimit != nil:
		return Result{Action: ActionReset, SnapshotUsage: decimal.Zero}
	case oldLimit != nil && newLimit == nil:
		return Result{Action: ActionCarry, SnapshotUsage: snapshotUsage}
	}

	if oldLimit.IsZero() {
		return Result{Action: ActionReset, SnapshotUsage: decimal.Zero}
	}

	ratio := newLimit.Div(*oldLimit)
	scaled := snapshotUsage.Mul(ratio)
	if scaled.GreaterThan(*newLimit) {
		scaled = *newLimit
	}
	return Result{Action: ActionScale, SnapshotUsage: scaled}
}
