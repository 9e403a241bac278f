package subscription

import (
	"sort"
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
)

// PhaseAction is the mutation validatePhasesAction is checking.
type PhaseAction string

const (
	PhaseActionCreate PhaseAction = "create"
	PhaseActionUpdate PhaseAction = "update"
	PhaseActionRemove PhaseAction = "remove"
)

// ValidatePhasesAction enforces spec.md's phase invariants: the active
// phase's start date is immutable, a new/updated phase must not overlap
// any other phase, and the full phase list must remain strictly
// consecutive once the action is applied (prev.EndAt + 1ns == next.StartAt).
func ValidatePhasesAction(existing []*Phase, target *Phase, action PhaseAction, now time.Time) error {
	active := activePhase(existing, now)

	switch action {
	case PhaseActionUpdate:
		if active != nil && active.ID == target.ID && !active.StartAt.Equal(target.StartAt) {
			return ierr.NewError("cannot change the start date of the active phase").
				WithHint("the active phase's start date is immutable").
				Mark(ierr.ErrValidation)
		}
	case PhaseActionRemove:
		if active != nil && active.ID == target.ID {
			return ierr.NewError("cannot remove the active phase").Mark(ierr.ErrValidation)
		}
	}

	merged := mergePhase(existing, target, action)
	sort.Slice(merged, func(i, j int) bool { return merged[i].StartAt.Before(merged[j].StartAt) })

	for i, p := range merged {
		if i == 0 {
			continue
		}
		prev := merged[i-1]
		if prev.EndAt == nil {
			return ierr.NewError("phase overlaps an open-ended preceding phase").
				WithReportableDetails(map[string]any{"phase_id": p.ID, "preceding_phase_id": prev.ID}).
				Mark(ierr.ErrValidation)
		}
		if !p.StartAt.Equal(prev.EndAt.Add(time.Nanosecond)) {
			if p.StartAt.Before(*prev.EndAt) {
				return ierr.NewError("phases overlap").
					WithReportableDetails(map[string]any{"phase_id": p.ID, "preceding_phase_id": prev.ID}).
					Mark(ierr.ErrValidation)
			}
			return ierr.NewError("phases must be strictly consecutive").
				WithReportableDetails(map[string]any{"phase_id": p.ID, "preceding_phase_id": prev.ID}).
				Mark(ierr.ErrValidation)
		}
	}
	return nil
}

func activePhase(phases []*Phase, now time.Time) *Phase {
	for _, p := range phases {
		if p.StartAt.After(now) {
			continue
		}
		if p.EndAt != nil && !p.EndAt.After(now) {
			continue
		}
		return p
	}
	return nil
}

func mergePhase(existing []*Phase, target *Phase, action PhaseAction) []*Phase {
	out := make([]*Phase, 0, len(existing)+1)
	found := false
	for _, p := range existing {
		if p.ID == target.ID {
			found = true
			if action != PhaseActionRemove {
				out = append(out, target)
			}
			continue
		}
		out = append(out, p)
	}
	if !found && action != PhaseActionRemove {
		out = append(out, target)
	}
	return out
}
