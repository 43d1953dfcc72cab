package loyalty

import "time"

// =============================================================================
// CLOCK - Calendar helpers shared by levels, vouchers and maintenance
// =============================================================================

// DefaultLevelTermDays is the validity of a level assignment and of a
// recharged balance.
const DefaultLevelTermDays = 365

// Clock returns the current instant. Engines take one so tests can pin time.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddDays adds n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// dateAfter reports whether the calendar date of a is strictly after b's.
func dateAfter(a, b time.Time) bool {
	return DateOf(a).After(DateOf(b))
}

func ptrTime(t time.Time) *time.Time { return &t }
