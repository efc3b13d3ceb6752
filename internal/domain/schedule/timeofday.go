// Package schedule provides the time-of-day and window helpers shared by
// the reminder planner and the dose status evaluator.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxDoseTimes is the maximum number of dose times per day
	MaxDoseTimes = 5
	// MaxDurationDays bounds a course to one year of reminders
	MaxDurationDays = 366
)

var (
	// ErrInvalidSchedule is returned for a missing, oversized or malformed dose schedule
	ErrInvalidSchedule = errors.New("invalid dose schedule")
	// ErrInvalidDuration is returned for a course outside 1..MaxDurationDays
	ErrInvalidDuration = errors.New("invalid course duration")
)

// TimeOfDay is a wall-clock time with minute precision
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS". Seconds must be zero.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: hour in %q", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: minute in %q", ErrInvalidSchedule, s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec != 0 {
			return TimeOfDay{}, fmt.Errorf("%w: seconds in %q", ErrInvalidSchedule, s)
		}
	}

	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("%w: time %q out of range", ErrInvalidSchedule, s)
	}
	return t, nil
}

// MustParse is ParseTimeOfDay for literals; it panics on bad input.
func MustParse(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseAll parses a list of "HH:MM" strings
func ParseAll(values []string) ([]TimeOfDay, error) {
	out := make([]TimeOfDay, 0, len(values))
	for _, v := range values {
		t, err := ParseTimeOfDay(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Valid reports whether hour and minute are in range
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// MinuteOfDay returns minutes since local midnight
func (t TimeOfDay) MinuteOfDay() int { return t.Hour*60 + t.Minute }

// String formats as HH:MM
func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// MarshalText implements encoding.TextMarshaler
func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Sort returns a copy of times ordered by minute-of-day.
// Storage order is never trusted; every consumer sorts first.
func Sort(times []TimeOfDay) []TimeOfDay {
	out := make([]TimeOfDay, len(times))
	copy(out, times)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinuteOfDay() < out[j].MinuteOfDay()
	})
	return out
}

// Validate checks the schedule has 1..MaxDoseTimes distinct valid entries
func Validate(times []TimeOfDay) error {
	if len(times) == 0 {
		return fmt.Errorf("%w: no dose times", ErrInvalidSchedule)
	}
	if len(times) > MaxDoseTimes {
		return fmt.Errorf("%w: %d dose times, at most %d allowed", ErrInvalidSchedule, len(times), MaxDoseTimes)
	}
	seen := make(map[int]bool, len(times))
	for _, t := range times {
		if !t.Valid() {
			return fmt.Errorf("%w: time %02d:%02d out of range", ErrInvalidSchedule, t.Hour, t.Minute)
		}
		if seen[t.MinuteOfDay()] {
			return fmt.Errorf("%w: duplicate time %s", ErrInvalidSchedule, t)
		}
		seen[t.MinuteOfDay()] = true
	}
	return nil
}

// ValidateDuration checks the course spans 1..MaxDurationDays calendar days
func ValidateDuration(days int) error {
	if days < 1 {
		return fmt.Errorf("%w: %d days", ErrInvalidDuration, days)
	}
	if days > MaxDurationDays {
		return fmt.Errorf("%w: %d days, at most %d allowed", ErrInvalidDuration, days, MaxDurationDays)
	}
	return nil
}

// Strings formats a schedule as HH:MM values
func Strings(times []TimeOfDay) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.String()
	}
	return out
}

// On returns day's calendar date at t in day's location, second zero
func On(day time.Time, t TimeOfDay) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// AddDays moves day by n calendar days. Across DST changes the result
// keeps the wall clock, so it is not always a multiple of 24h.
func AddDays(day time.Time, n int) time.Time {
	y, m, d := day.Date()
	hh, mm, ss := day.Clock()
	return time.Date(y, m, d+n, hh, mm, ss, day.Nanosecond(), day.Location())
}

// StartOfDay returns local midnight of day
func StartOfDay(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location())
}

// DaysBetween counts calendar days from a's date to b's date, both read in
// b's location. It is negative when a falls on a later date.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from) / (24 * time.Hour))
}

// RemainingDays returns the course days left from now's date, including
// today, for a course of durationDays that started at createdAt.
func RemainingDays(createdAt time.Time, durationDays int, now time.Time) int {
	left := durationDays - DaysBetween(createdAt, now)
	if left < 0 {
		return 0
	}
	return left
}
