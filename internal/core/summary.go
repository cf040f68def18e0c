package core

import (
	"fmt"
	"time"
)

// summaryTimeLayout is the layout for User.SummaryTime.
const summaryTimeLayout = "15:04"

// SummaryDue decides whether the daily summary should fire for a user at
// now, and returns the user's current local date (YYYY-MM-DD).
//
// The summary is due iff summaries are enabled, the local time-of-day has
// reached the configured summary time, and the summary has not already
// fired on this local date. The caller advances LastSummaryDate only after
// a successful delivery, so a failed send is retried on the next tick and
// restarts within the same day never re-fire.
func SummaryDue(u User, now time.Time) (bool, string, error) {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return false, "", &DataError{Err: fmt.Errorf("user %s timezone %q: %w", u.ID, u.Timezone, err)}
	}
	at, err := time.Parse(summaryTimeLayout, u.SummaryTime)
	if err != nil {
		return false, "", &DataError{Err: fmt.Errorf("user %s summary time %q: %w", u.ID, u.SummaryTime, err)}
	}

	local := now.In(loc)
	localDate := local.Format("2006-01-02")

	if !u.SummaryEnabled {
		return false, localDate, nil
	}
	if u.LastSummaryDate == localDate {
		return false, localDate, nil
	}

	gate := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if local.Before(gate) {
		return false, localDate, nil
	}
	return true, localDate, nil
}

// LocalDayBounds returns the [start, end) of the user's current local day,
// used to fetch the events a daily summary covers.
func LocalDayBounds(u User, now time.Time) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, &DataError{Err: fmt.Errorf("user %s timezone %q: %w", u.ID, u.Timezone, err)}
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour), nil
}
