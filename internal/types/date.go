package types

import (
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
)

// NextResetDate calculates the next cycle boundary given the current
// cycle's start, the grant's effectiveAt (used as the calendar anchor
// for day-of-month/day-of-week/day-of-year alignment), and a
// ResetConfig. The anchor's clock-of-day is always preserved so a cycle
// that starts mid-day (a grant effective at 14:30 UTC) keeps rolling
// over at 14:30 rather than drifting to midnight.
func NextResetDate(currentPeriodStart, anchor time.Time, cfg ResetConfig) (time.Time, error) {
	if cfg.IntervalCount <= 0 {
		return currentPeriodStart, ierr.NewError("reset interval count must be a positive integer").
			WithHint("interval_count must be a positive integer").
			WithReportableDetails(map[string]any{"interval_count": cfg.IntervalCount}).
			Mark(ierr.ErrValidation)
	}

	switch cfg.Interval {
	case ResetIntervalDaily:
		return currentPeriodStart.AddDate(0, 0, cfg.IntervalCount), nil
	case ResetIntervalWeekly:
		anchorWeekday := anchor.Weekday()
		currentWeekday := currentPeriodStart.Weekday()

		daysToAdd := int(anchorWeekday - currentWeekday)
		if daysToAdd < 0 {
			daysToAdd += 7
		}
		daysToAdd += (cfg.IntervalCount - 1) * 7
		if anchorWeekday == currentWeekday {
			daysToAdd = cfg.IntervalCount * 7
		}

		anchorHour, anchorMin, anchorSec := anchor.Clock()
		return time.Date(currentPeriodStart.Year(), currentPeriodStart.Month(),
			currentPeriodStart.Day()+daysToAdd,
			anchorHour, anchorMin, anchorSec, 0, currentPeriodStart.Location()), nil
	}

	var years, months int
	switch cfg.Interval {
	case ResetIntervalMonthly:
		months = cfg.IntervalCount
	case ResetIntervalAnnual:
		years = cfg.IntervalCount
	case ResetIntervalQuarterly:
		months = cfg.IntervalCount * 3
	case ResetIntervalHalfYear:
		months = cfg.IntervalCount * 6
	default:
		return currentPeriodStart, ierr.NewErrorf("invalid reset interval %q", cfg.Interval).
			WithHint("reset interval must be one of daily, weekly, monthly, quarterly, half_year, annual").
			WithReportableDetails(map[string]any{"interval": cfg.Interval}).
			Mark(ierr.ErrValidation)
	}

	y, m, _ := currentPeriodStart.Date()
	h, min, sec := anchor.Clock()

	targetY := y + years
	targetM := time.Month(int(m) + months)

	for targetM > 12 {
		targetM -= 12
		targetY++
	}
	for targetM < 1 {
		targetM += 12
		targetY--
	}

	// For annual resets, the anchor's month always wins over arithmetic
	// drift so a Feb-anchored annual cycle stays in February.
	if cfg.Interval == ResetIntervalAnnual {
		targetM = anchor.Month()
	}

	targetD := anchor.Day()
	if cfg.PlanType == ResetPlanCalendar && cfg.Anchor > 0 {
		targetD = cfg.Anchor
	}

	lastDayOfMonth := time.Date(targetY, targetM+1, 0, 0, 0, 0, 0, currentPeriodStart.Location()).Day()
	if targetD > lastDayOfMonth {
		targetD = lastDayOfMonth
	}

	if cfg.Interval == ResetIntervalAnnual &&
		anchor.Month() == time.February &&
		anchor.Day() == 29 &&
		!isLeapYear(targetY) {
		targetD = 28
	}

	return time.Date(targetY, targetM, targetD, h, min, sec, 0, currentPeriodStart.Location()), nil
}

// isLeapYear returns true if the given year is a leap year.
func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// CalculateCycleWindow finds the half-open cycle window [start,end) that
// contains eventTimestamp, given the meter's current known window and its
// ResetConfig. It handles three cases: the event falls inside the
// current window; the event is in the past (walks forward from the
// grant's effectiveAt); or the event is in the future relative to the
// current window (walks forward from the current window).
func CalculateCycleWindow(
	eventTimestamp time.Time,
	grantEffectiveAt time.Time,
	currentWindowStart time.Time,
	currentWindowEnd time.Time,
	anchor time.Time,
	cfg ResetConfig,
) (time.Time, time.Time, error) {
	if eventTimestamp.Before(grantEffectiveAt) {
		return time.Time{}, time.Time{}, ierr.NewError("event timestamp is before grant effective date").
			WithHint("event_timestamp must not precede the grant's effective date").
			WithReportableDetails(map[string]any{
				"event_timestamp": eventTimestamp,
				"effective_at":    grantEffectiveAt,
			}).
			Mark(ierr.ErrValidation)
	}

	if isBetween(eventTimestamp, currentWindowStart, currentWindowEnd) {
		return currentWindowStart, currentWindowEnd, nil
	}

	if eventTimestamp.Before(currentWindowStart) {
		return findWindowFromEffectiveDate(eventTimestamp, grantEffectiveAt, currentWindowStart, anchor, cfg)
	}

	windowStart := currentWindowStart
	windowEnd := currentWindowEnd
	for i := 0; i < 100; i++ {
		nextStart, err := NextResetDate(windowStart, anchor, cfg)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		nextEnd, err := NextResetDate(nextStart, anchor, cfg)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if isBetween(eventTimestamp, nextStart, nextEnd) {
			return nextStart, nextEnd, nil
		}
		windowStart, windowEnd = nextStart, nextEnd
	}

	return time.Time{}, time.Time{}, ierr.NewError("failed to find cycle window for event timestamp").
		WithHint("exceeded the 100-cycle search bound; check the reset config for a zero-length cycle").
		WithReportableDetails(map[string]any{
			"event_timestamp": eventTimestamp,
			"window_start":    windowStart,
			"window_end":      windowEnd,
		}).
		Mark(ierr.ErrValidation)
}

// findWindowFromEffectiveDate walks cycle windows forward from the
// grant's effective date to locate the one containing a past event.
func findWindowFromEffectiveDate(
	eventTimestamp time.Time,
	grantEffectiveAt time.Time,
	currentWindowStart time.Time,
	anchor time.Time,
	cfg ResetConfig,
) (time.Time, time.Time, error) {
	windowStart := grantEffectiveAt
	windowEnd, err := NextResetDate(windowStart, anchor, cfg)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	for i := 0; i < 100; i++ {
		if isBetween(eventTimestamp, windowStart, windowEnd) {
			return windowStart, windowEnd, nil
		}
		if !windowStart.Before(currentWindowStart) {
			break
		}
		nextStart := windowEnd
		nextEnd, err := NextResetDate(nextStart, anchor, cfg)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		windowStart, windowEnd = nextStart, nextEnd
	}

	return time.Time{}, time.Time{}, ierr.NewError("failed to find cycle window for past event timestamp").
		WithHint("exceeded the 100-cycle search bound walking forward from the grant's effective date").
		WithReportableDetails(map[string]any{
			"event_timestamp": eventTimestamp,
			"effective_at":    grantEffectiveAt,
		}).
		Mark(ierr.ErrValidation)
}

// isBetween reports whether t falls in the half-open interval
// [periodStart, periodEnd), matching this system's cycle-window
// convention.
func isBetween(t, periodStart, periodEnd time.Time) bool {
	return (t.Equal(periodStart) || t.After(periodStart)) && t.Before(periodEnd)
}
