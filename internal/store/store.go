// Package store persists calchime's durable state: users, per-event
// snapshots, and the notification ledger. The Postgres implementation is
// the production backend; Memory backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CycleCommit is everything one poll cycle writes for one user. The store
// applies it as a single transaction: a crash can never leave a reminder
// marked sent without its snapshot updated, or vice versa.
type CycleCommit struct {
	UpsertSnapshots []core.Snapshot
	// DeleteSnapshots lists event ids whose snapshot is removed, i.e.
	// cancellations reported this cycle.
	DeleteSnapshots []string
	// Entries are ledger rows for notifications that were actually sent.
	Entries []core.LedgerEntry
	// SummaryDate advances the user's last summary date when non-empty.
	SummaryDate string
	// Credential replaces the stored credential when non-nil (the token
	// source rotated it mid-cycle).
	Credential []byte
	// PollTime stamps the user's last_poll_at marker when non-zero. Every
	// completed cycle sets it; a zero LastPollAt on the user is how the
	// coordinator recognizes a first poll.
	PollTime time.Time
}

// Empty reports whether the commit would write nothing.
func (c CycleCommit) Empty() bool {
	return len(c.UpsertSnapshots) == 0 && len(c.DeleteSnapshots) == 0 &&
		len(c.Entries) == 0 && c.SummaryDate == "" && c.Credential == nil &&
		c.PollTime.IsZero()
}

// Store is the persistence contract the coordinator and the command surface
// run against. All writes for a single user inside CommitCycle are atomic;
// no cross-user transaction exists or is needed.
type Store interface {
	// AddUser creates a user with defaults if absent. Reports whether the
	// user was newly created.
	AddUser(ctx context.Context, id string) (bool, error)
	GetUser(ctx context.Context, id string) (core.User, error)
	// ActiveUsers returns users that hold a credential and are not paused
	// for re-authorization.
	ActiveUsers(ctx context.Context) ([]core.User, error)
	SaveCredential(ctx context.Context, userID string, credential []byte) error
	SetOffsets(ctx context.Context, userID string, offsets []int) error
	SetAuthRevoked(ctx context.Context, userID string, revoked bool) error
	// ClearUser removes the user's credential, snapshots, ledger, and
	// settings in one transaction.
	ClearUser(ctx context.Context, userID string) error

	Snapshots(ctx context.Context, userID string) ([]core.Snapshot, error)
	Ledger(ctx context.Context, userID string) ([]core.LedgerEntry, error)

	CommitCycle(ctx context.Context, userID string, commit CycleCommit) error

	// Purge removes ledger rows sent before the cutoff and snapshots of
	// events that started before it. Returns rows removed.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerSet builds the dedup lookup the planner consumes from a user's
// ledger rows.
func LedgerSet(entries []core.LedgerEntry) core.Sent {
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.EventID+"|"+string(e.Kind)] = true
	}
	return func(eventID string, kind core.TriggerKind) bool {
		return set[eventID+"|"+string(kind)]
	}
}
