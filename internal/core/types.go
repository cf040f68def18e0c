// Package core holds the pure domain logic of calchime: the event diff
// engine, the reminder planner, and the daily summary trigger. Nothing in
// this package performs I/O; persistence and transport live elsewhere.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is the view of one calendar event as returned by the source for
// the active fetch window.
type Event struct {
	ID        string
	Summary   string
	Location  string
	Start     time.Time
	End       time.Time
	AllDay    bool
	Cancelled bool
	// Signature is the source's last-modified marker. Two fetches of the
	// same unchanged event carry the same signature.
	Signature string
}

// Snapshot is the last-known state of one event for one user, as stored
// after the previous poll cycle.
type Snapshot struct {
	UserID    string
	EventID   string
	Signature string
	Start     time.Time
}

// User is one registered account: who to notify, how to reach their
// calendar, and their reminder preferences.
type User struct {
	ID         string
	Credential []byte // opaque to the core; the calendar source knows its shape
	// Offsets are reminder lead times in minutes before an event starts.
	Offsets  []int
	Timezone string
	// SummaryTime is the local time-of-day ("15:04" layout) after which the
	// daily summary becomes due.
	SummaryTime    string
	SummaryEnabled bool
	// LastSummaryDate is the local date (YYYY-MM-DD) the summary last fired,
	// empty if it never has.
	LastSummaryDate string
	// AuthRevoked pauses polling until the user re-authorizes.
	AuthRevoked bool
	// LastPollAt is when a poll cycle last committed for this user. The zero
	// value means no cycle has ever completed: the next one seeds state
	// silently instead of announcing the whole calendar.
	LastPollAt time.Time
}

// DefaultOffsets are the reminder lead times applied until a user
// configures their own.
var DefaultOffsets = []int{15, 60}

// Offset bounds for user configuration, in minutes. Max is one week.
const (
	MinOffsetMinutes = 1
	MaxOffsetMinutes = 10080
)

// TriggerKind identifies one category of notification for one event. It is
// the dedup key granularity: a ledger entry per (user, event, kind) means
// that exact notification has been sent.
type TriggerKind string

const (
	KindCreated   TriggerKind = "created"
	KindCancelled TriggerKind = "cancelled"
)

// UpdatedKind returns the trigger kind for an update notice. The signature
// is part of the key so each distinct modification notifies once.
func UpdatedKind(signature string) TriggerKind {
	return TriggerKind("updated:" + signature)
}

// ReminderKind returns the trigger kind for a reminder at the given offset.
func ReminderKind(offsetMinutes int) TriggerKind {
	return TriggerKind("reminder:" + strconv.Itoa(offsetMinutes))
}

// SummaryKind returns the trigger kind for the daily summary on a local date.
func SummaryKind(localDate string) TriggerKind {
	return TriggerKind("summary:" + localDate)
}

// IsReminder reports whether the kind is a reminder, returning its offset.
func (k TriggerKind) IsReminder() (int, bool) {
	s, ok := strings.CutPrefix(string(k), "reminder:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// LedgerEntry records that one notification was sent.
type LedgerEntry struct {
	UserID  string
	EventID string
	Kind    TriggerKind
	SentAt  time.Time
}

// Window is the forward time range requested from the calendar source.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window, [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// FetchWindow computes the window a poll must request so no reminder is
// missed: now through the farthest configured offset plus one day.
func FetchWindow(now time.Time, offsets []int) Window {
	maxOffset := 0
	for _, o := range offsets {
		if o > maxOffset {
			maxOffset = o
		}
	}
	return Window{
		Start: now,
		End:   now.Add(time.Duration(maxOffset)*time.Minute + 24*time.Hour),
	}
}

// ValidateOffsets checks user-supplied reminder offsets and returns them
// sorted and deduplicated.
func ValidateOffsets(offsets []int) ([]int, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("at least one reminder offset is required")
	}
	seen := make(map[int]bool, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o < MinOffsetMinutes || o > MaxOffsetMinutes {
			return nil, fmt.Errorf("offset %d out of range [%d, %d] minutes", o, MinOffsetMinutes, MaxOffsetMinutes)
		}
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
