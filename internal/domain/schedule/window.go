package schedule

import "time"

// MatchWindow is the radius around a dose slot. It is both the early-take
// grace period and the distance within which a taken event counts for the slot.
const MatchWindow = time.Hour

// Window returns the inclusive matching window around doseAt
func Window(doseAt time.Time) (start, end time.Time) {
	return doseAt.Add(-MatchWindow), doseAt.Add(MatchWindow)
}

// InWindow reports whether x lies in the matching window of doseAt, bounds included
func InWindow(x, doseAt time.Time) bool {
	start, end := Window(doseAt)
	return !x.Before(start) && !x.After(end)
}

// Clock supplies the current local time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in a fixed location
type SystemClock struct {
	Location *time.Location
}

// Now returns the current time in the clock's location (local if unset)
func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// FixedClock always returns the same instant
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant
func (c FixedClock) Now() time.Time { return c.T }

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now calls f
func (f ClockFunc) Now() time.Time { return f() }
