package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calchime/calchime/internal/core"
)

func testDefaults() Defaults {
	return Defaults{
		Offsets:        []int{15, 60},
		Timezone:       "UTC",
		SummaryTime:    "07:00",
		SummaryEnabled: true,
	}
}

func TestMemoryUserLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testDefaults())

	created, err := m.AddUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, created)

	created, err = m.AddUser(ctx, "u1")
	require.NoError(t, err)
	require.False(t, created, "second AddUser must be a no-op")

	u, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []int{15, 60}, u.Offsets)
	require.True(t, u.SummaryEnabled)

	// No credential yet: not active.
	active, err := m.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, m.SaveCredential(ctx, "u1", []byte(`{"token":"x"}`)))
	active, err = m.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Revoked users stop polling.
	require.NoError(t, m.SetAuthRevoked(ctx, "u1", true))
	active, err = m.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.ErrorIs(t, m.SetOffsets(ctx, "nobody", []int{5}), ErrNotFound)
}

func TestMemoryCommitCycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testDefaults())
	_, err := m.AddUser(ctx, "u1")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	err = m.CommitCycle(ctx, "u1", CycleCommit{
		UpsertSnapshots: []core.Snapshot{
			{UserID: "u1", EventID: "e1", Signature: "s1", Start: now.Add(time.Hour)},
		},
		Entries: []core.LedgerEntry{
			{UserID: "u1", EventID: "e1", Kind: core.KindCreated, SentAt: now},
		},
		SummaryDate: "2026-03-10",
		PollTime:    now,
	})
	require.NoError(t, err)

	snaps, err := m.Snapshots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	entries, err := m.Ledger(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	u, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "2026-03-10", u.LastSummaryDate)
	require.Equal(t, now, u.LastPollAt)

	// Cancellation removes the snapshot; a duplicate ledger insert keeps the
	// original entry.
	err = m.CommitCycle(ctx, "u1", CycleCommit{
		DeleteSnapshots: []string{"e1"},
		Entries: []core.LedgerEntry{
			{UserID: "u1", EventID: "e1", Kind: core.KindCreated, SentAt: now.Add(time.Hour)},
			{UserID: "u1", EventID: "e1", Kind: core.KindCancelled, SentAt: now.Add(time.Hour)},
		},
	})
	require.NoError(t, err)

	snaps, err = m.Snapshots(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, snaps)

	entries, err = m.Ledger(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.Kind == core.KindCreated {
			require.Equal(t, now, e.SentAt, "duplicate insert must not overwrite")
		}
	}
}

func TestMemoryLedgerSet(t *testing.T) {
	entries := []core.LedgerEntry{
		{UserID: "u1", EventID: "e1", Kind: core.ReminderKind(15)},
		{UserID: "u1", EventID: "e2", Kind: core.KindCreated},
	}
	sent := LedgerSet(entries)

	require.True(t, sent("e1", core.ReminderKind(15)))
	require.False(t, sent("e1", core.ReminderKind(60)))
	require.True(t, sent("e2", core.KindCreated))
	require.False(t, sent("e3", core.KindCreated))
}

func TestMemoryPurge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testDefaults())
	_, err := m.AddUser(ctx, "u1")
	require.NoError(t, err)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	err = m.CommitCycle(ctx, "u1", CycleCommit{
		UpsertSnapshots: []core.Snapshot{
			{UserID: "u1", EventID: "stale", Signature: "s", Start: old},
			{UserID: "u1", EventID: "live", Signature: "s", Start: recent.Add(time.Hour)},
		},
		Entries: []core.LedgerEntry{
			{UserID: "u1", EventID: "stale", Kind: core.KindCreated, SentAt: old},
			{UserID: "u1", EventID: "live", Kind: core.KindCreated, SentAt: recent},
		},
	})
	require.NoError(t, err)

	removed, err := m.Purge(ctx, recent)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	snaps, err := m.Snapshots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	entries, err := m.Ledger(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMemoryClearUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testDefaults())
	_, err := m.AddUser(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, m.SaveCredential(ctx, "u1", []byte("cred")))
	require.NoError(t, m.SetOffsets(ctx, "u1", []int{5}))
	require.NoError(t, m.CommitCycle(ctx, "u1", CycleCommit{
		UpsertSnapshots: []core.Snapshot{{UserID: "u1", EventID: "e1", Signature: "s", Start: time.Now()}},
		PollTime:        time.Now(),
	}))

	require.NoError(t, m.ClearUser(ctx, "u1"))

	u, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, u.Credential)
	require.Equal(t, []int{15, 60}, u.Offsets, "offsets reset to defaults")
	require.True(t, u.LastPollAt.IsZero(), "poll marker cleared so the next poll reseeds silently")

	snaps, err := m.Snapshots(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, snaps)
}
