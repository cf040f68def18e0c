package core

import (
	"sort"
	"time"
)

// DueReminder is one reminder the planner decided should fire now.
type DueReminder struct {
	Event         Event
	OffsetMinutes int
}

// Sent reports whether a ledger entry already exists for (event, kind).
// The coordinator backs this with the persistent ledger; tests use a map.
type Sent func(eventID string, kind TriggerKind) bool

// PlanReminders computes the reminders for one event at now.
//
// A reminder at offset o is due iff start−o ≤ now < start and it has not
// fired before. An event discovered with less notice than the offset still
// gets its reminder immediately — late is acceptable, after the start is
// not. When several offsets fall due in the same cycle, only the largest
// fires; the smaller ones are returned as covered, to be recorded without
// sending — one late reminder per event is enough. Cancelled and all-day
// events never produce reminders.
func PlanReminders(ev Event, offsets []int, sent Sent, now time.Time) (fire, covered []DueReminder) {
	if ev.Cancelled || ev.AllDay {
		return nil, nil
	}
	if !now.Before(ev.Start) {
		// The event has started; the window for every offset is closed.
		return nil, nil
	}

	var due []DueReminder
	for _, o := range offsets {
		if o <= 0 {
			continue
		}
		fireAt := ev.Start.Add(-time.Duration(o) * time.Minute)
		if now.Before(fireAt) {
			continue
		}
		if sent(ev.ID, ReminderKind(o)) {
			continue
		}
		due = append(due, DueReminder{Event: ev, OffsetMinutes: o})
	}
	if len(due) == 0 {
		return nil, nil
	}

	largest := 0
	for i, d := range due {
		if d.OffsetMinutes > due[largest].OffsetMinutes {
			largest = i
		}
	}
	for i, d := range due {
		if i == largest {
			fire = append(fire, d)
		} else {
			covered = append(covered, d)
		}
	}
	return fire, covered
}

// PlanAllReminders runs the planner over a full event set. Fired reminders
// are ordered soonest-start-first, the order the coordinator sends them in.
func PlanAllReminders(events []Event, offsets []int, sent Sent, now time.Time) (fire, covered []DueReminder) {
	for _, ev := range events {
		f, c := PlanReminders(ev, offsets, sent, now)
		fire = append(fire, f...)
		covered = append(covered, c...)
	}
	sort.SliceStable(fire, func(i, j int) bool {
		if !fire[i].Event.Start.Equal(fire[j].Event.Start) {
			return fire[i].Event.Start.Before(fire[j].Event.Start)
		}
		return fire[i].OffsetMinutes < fire[j].OffsetMinutes
	})
	return fire, covered
}
