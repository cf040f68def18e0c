package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// Message texts for each trigger kind. Slack mrkdwn, kept short; content
// formatting is deliberately minimal.

// Created renders a new-event notice.
func Created(ev core.Event) string {
	return ":new: *New event*\n\n" + eventBody(ev)
}

// Updated renders a modified-event notice.
func Updated(ev core.Event) string {
	return ":pencil2: *Event updated*\n\n" + eventBody(ev)
}

// Cancelled renders a cancellation notice from the last-known snapshot.
func Cancelled(s core.Snapshot) string {
	return fmt.Sprintf(":x: *Event cancelled*\n\nAn event on %s was removed from your calendar.",
		s.Start.Format("Mon Jan 2 15:04"))
}

// Reminder renders a reminder notice with the actual minutes remaining at
// now, which can be less than the configured offset for late discoveries.
func Reminder(d core.DueReminder, now time.Time) string {
	mins := int(d.Event.Start.Sub(now).Minutes())
	if mins < 0 {
		mins = 0
	}
	return fmt.Sprintf(":alarm_clock: *Reminder: event in %d minutes*\n\n%s", mins, eventBody(d.Event))
}

// Summary renders the daily schedule.
func Summary(events []core.Event, localDate string) string {
	if len(events) == 0 {
		return fmt.Sprintf(":calendar: *Schedule for %s*\n\nNo events scheduled.", localDate)
	}

	var b strings.Builder
	fmt.Fprintf(&b, ":calendar: *Schedule for %s* (%d events)\n", localDate, len(events))
	for _, ev := range events {
		b.WriteString("\n" + eventBody(ev) + "\n")
	}
	return b.String()
}

// ReauthInstruction tells a user their credential stopped working.
func ReauthInstruction(userID string) string {
	return fmt.Sprintf(":lock: Calendar access for your account has expired or been revoked.\n"+
		"Run `calchimed auth --user %s` to reconnect; notifications are paused until then.", userID)
}

func eventBody(ev core.Event) string {
	title := ev.Summary
	if title == "" {
		title = "(no title)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", title)
	if ev.AllDay {
		fmt.Fprintf(&b, ":clock3: All day\n:date: %s", ev.Start.Format("2006-01-02"))
	} else {
		fmt.Fprintf(&b, ":clock3: %s – %s\n:date: %s",
			ev.Start.Format("15:04"), ev.End.Format("15:04"), ev.Start.Format("2006-01-02"))
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, "\n:round_pushpin: %s", ev.Location)
	}
	return b.String()
}
