// Package timeutil provides calendar-day utilities for streak tracking and
// review scheduling. Day boundaries are computed in a configurable location
// (default UTC) so that "yesterday" means the same thing for scheduling and
// for the day streak.
// No external dependencies - uses only standard library.
package timeutil

import (
	"time"
)

// Location is the timezone used for day-boundary calculations.
// Defaults to UTC; the worker overrides it from configuration.
var Location = time.UTC

// Now returns the current time in the configured location.
func Now() time.Time {
	return time.Now().In(Location)
}

// StartOfDay returns the start of the day (00:00:00) in the configured location.
func StartOfDay(t time.Time) time.Time {
	local := t.In(Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Location)
}

// EndOfDay returns the end of the day (23:59:59.999999999) in the configured location.
func EndOfDay(t time.Time) time.Time {
	local := t.In(Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, Location)
}

// IsSameDay reports whether a and b fall on the same calendar day.
func IsSameDay(a, b time.Time) bool {
	return StartOfDay(a).Equal(StartOfDay(b))
}

// IsYesterday reports whether t falls on the calendar day before now.
func IsYesterday(t, now time.Time) bool {
	return StartOfDay(t).Equal(StartOfDay(now).AddDate(0, 0, -1))
}

// DaysBetween returns the number of whole calendar days from a to b.
// Negative if b is before a.
func DaysBetween(a, b time.Time) int {
	start := StartOfDay(a)
	end := StartOfDay(b)
	return int(end.Sub(start).Hours() / 24)
}

// AddDays returns t plus the given number of calendar days.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
