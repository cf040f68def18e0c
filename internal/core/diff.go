package core

import "fmt"

// ChangeSet is the output of one diff: the events to report as created,
// updated, or cancelled. It is a set — each event id appears in at most one
// field, and order carries no meaning.
type ChangeSet struct {
	Created []Event
	Updated []Event
	// Cancelled holds the last-known snapshots of events the source no
	// longer returns (or reports as cancelled).
	Cancelled []Snapshot
}

// Empty reports whether the diff found no changes.
func (cs ChangeSet) Empty() bool {
	return len(cs.Created) == 0 && len(cs.Updated) == 0 && len(cs.Cancelled) == 0
}

// Diff compares the stored snapshots for one user against a fresh fetch and
// classifies every event. Pure: no side effects, no I/O.
//
// A stored event absent from the fresh set is cancelled only if its start
// falls inside the fetch window. Absence because the event drifted outside
// the window must never be mistaken for a deletion.
func Diff(snapshots []Snapshot, fresh []Event, window Window) (ChangeSet, error) {
	byID := make(map[string]Snapshot, len(snapshots))
	for _, s := range snapshots {
		byID[s.EventID] = s
	}

	var cs ChangeSet
	seen := make(map[string]bool, len(fresh))

	for _, ev := range fresh {
		if ev.ID == "" {
			return ChangeSet{}, &DataError{Err: fmt.Errorf("event with empty id in fetch result")}
		}
		if seen[ev.ID] {
			return ChangeSet{}, &DataError{Err: fmt.Errorf("event %s appears twice in fetch result", ev.ID)}
		}
		seen[ev.ID] = true

		snap, known := byID[ev.ID]

		if ev.Cancelled {
			// Source reports an explicit cancellation. Only worth a notice
			// if we had ever recorded the event.
			if known {
				cs.Cancelled = append(cs.Cancelled, snap)
			}
			continue
		}

		if ev.Start.IsZero() {
			return ChangeSet{}, &DataError{Err: fmt.Errorf("event %s has no start time", ev.ID)}
		}

		switch {
		case !known:
			cs.Created = append(cs.Created, ev)
		case snap.Signature != ev.Signature:
			cs.Updated = append(cs.Updated, ev)
		}
	}

	for _, s := range snapshots {
		if seen[s.EventID] {
			continue
		}
		if window.Contains(s.Start) {
			cs.Cancelled = append(cs.Cancelled, s)
		}
		// Outside the window: the snapshot stays untouched until the event
		// scrolls back in or is garbage-collected.
	}

	return cs, nil
}
