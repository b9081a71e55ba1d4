package autopay

import (
	"time"

	"paykit/types"
)

// NextPaymentTime computes the next payment boundary for a subscription.
// The schedule anchors at StartAt; once a payment has been recorded the
// boundary advances from that payment instead. Months without the scheduled
// day clamp to their last day (relevant only for Yearly: monthly days are
// restricted to 1..=28 by construction).
func NextPaymentTime(sub types.Subscription, lastPaidAt uint64) time.Time {
	start := time.Unix(int64(sub.StartAt), 0).UTC()
	freq := sub.Terms.Frequency

	if lastPaidAt == 0 {
		// Nothing paid yet: the first boundary is the start itself.
		return start
	}
	last := time.Unix(int64(lastPaidAt), 0).UTC()

	switch freq.Kind {
	case types.FreqDaily:
		return last.Add(24 * time.Hour)
	case types.FreqWeekly:
		return last.Add(7 * 24 * time.Hour)
	case types.FreqMonthly:
		return nextMonthlyBoundary(last, int(freq.DayOfMonth))
	case types.FreqYearly:
		return nextYearlyBoundary(last, time.Month(freq.Month), int(freq.Day), start)
	case types.FreqCustom:
		return last.Add(time.Duration(freq.IntervalSecs) * time.Second)
	default:
		// Unknown kinds never come due.
		return time.Unix(1<<62, 0)
	}
}

// IsDue reports whether a rule should fire now: the subscription window is
// open, the boundary has passed, and the rule is enabled. Cancellation is
// the caller's check; the scheduler only sees time.
func IsDue(sub types.Subscription, rule types.AutoPayRule, lastPaidAt uint64, now time.Time) bool {
	if !rule.Enabled {
		return false
	}
	if !sub.ActiveAt(uint64(now.Unix())) {
		return false
	}
	return !now.Before(NextPaymentTime(sub, lastPaidAt))
}

// nextMonthlyBoundary returns the first occurrence of dayOfMonth, at last's
// time of day, that falls strictly after last.
func nextMonthlyBoundary(last time.Time, dayOfMonth int) time.Time {
	year, month, _ := last.Date()
	hour, minute, second := last.Clock()

	candidate := clampedDate(year, month, dayOfMonth, hour, minute, second)
	if candidate.After(last) {
		return candidate
	}
	month++
	if month > time.December {
		month = time.January
		year++
	}
	return clampedDate(year, month, dayOfMonth, hour, minute, second)
}

// nextYearlyBoundary returns the next occurrence of (month, day) after
// last, clamping day to the month's length (Feb 29 pays on Feb 28 in
// non-leap years). The clock of day comes from the subscription start.
func nextYearlyBoundary(last time.Time, month time.Month, day int, start time.Time) time.Time {
	hour, minute, second := start.Clock()
	candidate := clampedDate(last.Year(), month, day, hour, minute, second)
	if candidate.After(last) {
		return candidate
	}
	return clampedDate(last.Year()+1, month, day, hour, minute, second)
}

// clampedDate builds a UTC date with the day clamped into the month.
func clampedDate(year int, month time.Month, day, hour, minute, second int) time.Time {
	if lastDay := daysIn(year, month); day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
