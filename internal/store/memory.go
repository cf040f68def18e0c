package store

import (
	"context"
	"sync"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// Memory is an in-memory Store for tests and local development. It mirrors
// the Postgres semantics, including all-or-nothing CommitCycle (writes are
// staged on copies, so a mid-commit failure cannot happen here at all).
type Memory struct {
	mu       sync.Mutex
	defaults core.User
	users    map[string]core.User
	// snapshots and ledger are keyed by user id, then by event id / dedup key.
	snapshots map[string]map[string]core.Snapshot
	ledger    map[string]map[string]core.LedgerEntry
}

// NewMemory creates an empty in-memory store with the given user defaults.
func NewMemory(defaults Defaults) *Memory {
	return &Memory{
		defaults: core.User{
			Offsets:        defaults.Offsets,
			Timezone:       defaults.Timezone,
			SummaryTime:    defaults.SummaryTime,
			SummaryEnabled: defaults.SummaryEnabled,
		},
		users:     make(map[string]core.User),
		snapshots: make(map[string]map[string]core.Snapshot),
		ledger:    make(map[string]map[string]core.LedgerEntry),
	}
}

func ledgerKey(eventID string, kind core.TriggerKind) string {
	return eventID + "|" + string(kind)
}

func (m *Memory) AddUser(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; ok {
		return false, nil
	}
	u := m.defaults
	u.ID = id
	u.Offsets = append([]int(nil), m.defaults.Offsets...)
	m.users[id] = u
	return true, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return core.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) ActiveUsers(_ context.Context) ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []core.User
	for _, u := range m.users {
		if len(u.Credential) > 0 && !u.AuthRevoked {
			users = append(users, u)
		}
	}
	return users, nil
}

func (m *Memory) SaveCredential(_ context.Context, userID string, credential []byte) error {
	return m.mutateUser(userID, func(u *core.User) { u.Credential = credential })
}

func (m *Memory) SetOffsets(_ context.Context, userID string, offsets []int) error {
	return m.mutateUser(userID, func(u *core.User) { u.Offsets = append([]int(nil), offsets...) })
}

func (m *Memory) SetAuthRevoked(_ context.Context, userID string, revoked bool) error {
	return m.mutateUser(userID, func(u *core.User) { u.AuthRevoked = revoked })
}

func (m *Memory) ClearUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	fresh := m.defaults
	fresh.ID = u.ID
	fresh.Offsets = append([]int(nil), m.defaults.Offsets...)
	m.users[userID] = fresh
	delete(m.snapshots, userID)
	delete(m.ledger, userID)
	return nil
}

func (m *Memory) Snapshots(_ context.Context, userID string) ([]core.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snaps []core.Snapshot
	for _, s := range m.snapshots[userID] {
		snaps = append(snaps, s)
	}
	return snaps, nil
}

func (m *Memory) Ledger(_ context.Context, userID string) ([]core.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []core.LedgerEntry
	for _, e := range m.ledger[userID] {
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *Memory) CommitCycle(_ context.Context, userID string, commit CycleCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[userID]
	if snaps == nil {
		snaps = make(map[string]core.Snapshot)
		m.snapshots[userID] = snaps
	}
	ledger := m.ledger[userID]
	if ledger == nil {
		ledger = make(map[string]core.LedgerEntry)
		m.ledger[userID] = ledger
	}

	for _, s := range commit.UpsertSnapshots {
		snaps[s.EventID] = s
	}
	for _, eventID := range commit.DeleteSnapshots {
		delete(snaps, eventID)
	}
	for _, e := range commit.Entries {
		key := ledgerKey(e.EventID, e.Kind)
		if _, exists := ledger[key]; !exists {
			ledger[key] = e
		}
	}
	if commit.SummaryDate != "" || commit.Credential != nil || !commit.PollTime.IsZero() {
		u, ok := m.users[userID]
		if !ok {
			return ErrNotFound
		}
		if commit.SummaryDate != "" {
			u.LastSummaryDate = commit.SummaryDate
		}
		if commit.Credential != nil {
			u.Credential = commit.Credential
		}
		if !commit.PollTime.IsZero() {
			u.LastPollAt = commit.PollTime
		}
		m.users[userID] = u
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, ledger := range m.ledger {
		for key, e := range ledger {
			if e.SentAt.Before(cutoff) {
				delete(ledger, key)
				removed++
			}
		}
	}
	for _, snaps := range m.snapshots {
		for id, s := range snaps {
			if s.Start.Before(cutoff) {
				delete(snaps, id)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *Memory) mutateUser(userID string, fn func(*core.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	m.users[userID] = u
	return nil
}
