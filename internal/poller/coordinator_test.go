package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calchime/calchime/internal/core"
	"github.com/calchime/calchime/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	events  []core.Event
	rotated []byte
	err     error
	calls   int
}

func (f *fakeSource) Fetch(_ context.Context, _ []byte, _ core.Window) ([]core.Event, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return append([]core.Event(nil), f.events...), f.rotated, nil
}

func (f *fakeSource) set(events ...core.Event) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
}

type fakeSink struct {
	mu           sync.Mutex
	sent         []string
	failContains string // fail sends whose text contains this
	failAll      bool
	gate         chan struct{} // if set, Send blocks until the gate closes
}

func (f *fakeSink) Send(_ context.Context, _ string, text string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || (f.failContains != "" && strings.Contains(text, f.failContains)) {
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	f.sent = nil
	f.failContains = ""
	f.failAll = false
	f.mu.Unlock()
}

type fixture struct {
	coord  *Coordinator
	store  *store.Memory
	source *fakeSource
	sink   *fakeSink
	now    time.Time
}

func newFixture(t *testing.T, summaries bool) *fixture {
	t.Helper()
	st := store.NewMemory(store.Defaults{
		Offsets:        []int{15, 60},
		Timezone:       "UTC",
		SummaryTime:    "07:00",
		SummaryEnabled: summaries,
	})
	src := &fakeSource{}
	snk := &fakeSink{}
	c := New(Config{Interval: time.Second, CallTimeout: time.Second}, st, src, snk, zerolog.Nop())

	f := &fixture{coord: c, store: st, source: src, sink: snk, now: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	c.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) user(t *testing.T, id string) core.User {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.AddUser(ctx, id); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := f.store.SaveCredential(ctx, id, []byte("token")); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	u, err := f.store.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u
}

func (f *fixture) poll(t *testing.T, u core.User) CycleResult {
	t.Helper()
	// Reload so the cycle sees offset/summary changes between polls.
	fresh, err := f.store.GetUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	res := f.coord.PollUser(context.Background(), fresh)
	if res.Err != nil && res.Stage == StageCommitting {
		t.Fatalf("commit failed: %v", res.Err)
	}
	return res
}

func event(id, summary string, start time.Time, sig string) core.Event {
	return core.Event{ID: id, Summary: summary, Start: start, End: start.Add(time.Hour), Signature: sig}
}

func TestFirstPollSeedsStateSilently(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(
		event("e1", "Standup", f.now.Add(2*time.Hour), "s1"),
		event("e2", "Review", f.now.Add(3*time.Hour), "s1"),
	)

	res := f.poll(t, u)
	if res.Stage != StageDone || res.Sent != 0 {
		t.Fatalf("first poll should be silent, got %+v", res)
	}
	if got := f.sink.count(); got != 0 {
		t.Fatalf("sink received %d messages on first poll", got)
	}

	snaps, _ := f.store.Snapshots(context.Background(), "u1")
	if len(snaps) != 2 {
		t.Fatalf("want 2 seeded snapshots, got %d", len(snaps))
	}

	// An unchanged second poll stays quiet too.
	res = f.poll(t, u)
	if res.Sent != 0 || f.sink.count() != 0 {
		t.Fatalf("unchanged poll sent notifications: %+v", res)
	}
}

func TestFirstEventAfterEmptyFirstPollNotifies(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")

	// Nothing on the calendar yet: the first poll has nothing to seed but
	// still counts as the seeding poll.
	res := f.poll(t, u)
	if res.Stage != StageDone || res.Sent != 0 {
		t.Fatalf("empty first poll should be quiet, got %+v", res)
	}
	got, _ := f.store.GetUser(context.Background(), "u1")
	if got.LastPollAt.IsZero() {
		t.Fatal("first poll did not stamp the poll marker")
	}

	// The first event to ever appear must announce itself; an empty calendar
	// at registration is no reason to swallow it.
	f.source.set(event("e1", "Kickoff", f.now.Add(2*time.Hour), "s1"))
	res = f.poll(t, u)
	if res.Sent != 1 {
		t.Fatalf("first event after empty seed not announced: %+v %v", res, f.sink.sent)
	}
	if !strings.Contains(f.sink.sent[0], "New event") || !strings.Contains(f.sink.sent[0], "Kickoff") {
		t.Fatalf("created notice malformed: %q", f.sink.sent[0])
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("created notice repeated: %+v", res)
	}
}

func TestCreatedEventNotifiesOnce(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u) // silent seed

	f.source.set(
		event("e1", "Standup", f.now.Add(20*time.Hour), "s1"),
		event("e2", "Planning", f.now.Add(21*time.Hour), "s1"),
	)
	res := f.poll(t, u)
	if res.Sent != 1 {
		t.Fatalf("want 1 created notice, sent %d", res.Sent)
	}
	if !strings.Contains(f.sink.sent[0], "Planning") {
		t.Fatalf("created notice missing event title: %q", f.sink.sent[0])
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("repeat poll re-sent created notice: %+v", res)
	}
}

func TestUpdateNotifiesOncePerSignature(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	start := f.now.Add(20 * time.Hour)
	f.source.set(event("e1", "Standup", start, "s1"))
	f.poll(t, u)

	// Same id, new signature: one update notice.
	f.source.set(event("e1", "Standup (moved)", start.Add(time.Hour), "s2"))
	res := f.poll(t, u)
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "updated") {
		t.Fatalf("want 1 update notice, got %+v %v", res, f.sink.sent)
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("identical signature re-notified: %+v", res)
	}

	// A further modification notifies again under its new signature.
	f.source.set(event("e1", "Standup (moved twice)", start.Add(2*time.Hour), "s3"))
	res = f.poll(t, u)
	if res.Sent != 1 {
		t.Fatalf("second modification not notified: %+v", res)
	}
}

func TestCancellationNotifiesOnceAndDropsSnapshot(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(2*time.Hour), "s1"))
	f.poll(t, u)

	f.source.set() // vanished inside the window
	res := f.poll(t, u)
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "cancelled") {
		t.Fatalf("want 1 cancellation notice, got %+v %v", res, f.sink.sent)
	}

	snaps, _ := f.store.Snapshots(context.Background(), "u1")
	if len(snaps) != 0 {
		t.Fatalf("cancelled snapshot not removed: %+v", snaps)
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("cancellation re-notified: %+v", res)
	}
}

func TestLateDiscoverySendsOneReminder(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u) // seed so the next poll is not silent

	// Discovered with 10 minutes notice: created notice plus one immediate
	// reminder for the largest due offset; the 15 is covered by the 60.
	f.source.set(
		event("e0", "Old", f.now.Add(20*time.Hour), "s1"),
		event("e1", "Urgent sync", f.now.Add(10*time.Minute), "s1"),
	)
	res := f.poll(t, u)
	if res.Sent != 2 {
		t.Fatalf("want created + 1 reminder, sent %d: %v", res.Sent, f.sink.sent)
	}
	if !strings.Contains(f.sink.sent[1], "in 10 minutes") {
		t.Fatalf("reminder should show real remaining time: %q", f.sink.sent[1])
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("reminders fired twice: %+v", res)
	}
}

func TestReminderNeverFiresAfterEventStart(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u)

	f.source.set(
		event("e0", "Old", f.now.Add(20*time.Hour), "s1"),
		event("e1", "Already running", f.now.Add(-5*time.Minute), "s1"),
	)
	res := f.poll(t, u)
	// Created notice only; the event has started, so no reminders.
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "New event") {
		t.Fatalf("want created notice only, got %+v %v", res, f.sink.sent)
	}
}

func TestPartialSendFailureRetriesOnlyFailedNotice(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u)

	f.source.set(
		event("e0", "Old", f.now.Add(20*time.Hour), "s1"),
		event("e1", "Urgent sync", f.now.Add(10*time.Minute), "s1"),
	)
	f.sink.failContains = "New event"
	res := f.poll(t, u)
	if res.Stage != StageDone {
		t.Fatalf("partial failure must not fail the cycle: %+v", res)
	}
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("want 1 failed created + 1 sent reminder, got %+v", res)
	}

	// Snapshot is recorded even though the created notice failed.
	snaps, _ := f.store.Snapshots(context.Background(), "u1")
	if len(snaps) != 2 {
		t.Fatalf("want snapshot for failed-notice event, got %+v", snaps)
	}

	// Next cycle re-attempts the created notice and nothing else.
	f.sink.reset()
	res = f.poll(t, u)
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "New event") {
		t.Fatalf("want only the created notice retried, got %+v %v", res, f.sink.sent)
	}
}

func TestFailedUpdateNoticeKeepsOldSignature(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	start := f.now.Add(20 * time.Hour)
	f.source.set(event("e1", "Standup", start, "s1"))
	f.poll(t, u)

	f.source.set(event("e1", "Standup (moved)", start.Add(time.Hour), "s2"))
	f.sink.failAll = true
	res := f.poll(t, u)
	if res.Failed != 1 {
		t.Fatalf("want failed update send, got %+v", res)
	}

	f.sink.reset()
	res = f.poll(t, u)
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "updated") {
		t.Fatalf("update notice not retried: %+v %v", res, f.sink.sent)
	}
}

func TestOverlappingCycleIsSkippedNotQueued(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u)
	f.source.set(
		event("e0", "Old", f.now.Add(20*time.Hour), "s1"),
		event("e1", "New", f.now.Add(21*time.Hour), "s1"),
	)

	gate := make(chan struct{})
	f.sink.gate = gate

	done := make(chan CycleResult, 1)
	go func() { done <- f.coord.PollUser(context.Background(), u) }()

	// Wait until the first cycle is registered in flight.
	deadline := time.After(2 * time.Second)
	for {
		f.coord.mu.Lock()
		busy := f.coord.inFlight[u.ID]
		f.coord.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	res := f.coord.PollUser(context.Background(), u)
	if !res.Skipped {
		t.Fatalf("overlapping cycle not skipped: %+v", res)
	}

	close(gate)
	first := <-done
	if first.Stage != StageDone || first.Sent != 1 {
		t.Fatalf("blocked cycle did not finish cleanly: %+v", first)
	}
}

func TestAuthErrorPausesUserAndInstructsReauth(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.err = &core.AuthError{Err: errors.New("invalid_grant")}

	res := f.poll(t, u)
	if res.Stage != StageFetching || res.Err == nil {
		t.Fatalf("want fetch failure, got %+v", res)
	}

	got, _ := f.store.GetUser(context.Background(), "u1")
	if !got.AuthRevoked {
		t.Fatal("user not paused after auth error")
	}
	if f.sink.count() != 1 || !strings.Contains(f.sink.sent[0], "calchimed auth") {
		t.Fatalf("re-auth instruction missing: %v", f.sink.sent)
	}

	active, _ := f.store.ActiveUsers(context.Background())
	if len(active) != 0 {
		t.Fatalf("paused user still active: %+v", active)
	}
}

func TestTransientErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(2*time.Hour), "s1"))
	f.poll(t, u)

	f.source.err = &core.TransientError{Err: errors.New("503")}
	res := f.poll(t, u)
	if res.Stage != StageFetching {
		t.Fatalf("want fetch-stage failure, got %+v", res)
	}

	got, _ := f.store.GetUser(context.Background(), "u1")
	if got.AuthRevoked {
		t.Fatal("transient error must not pause the user")
	}
	snaps, _ := f.store.Snapshots(context.Background(), "u1")
	if len(snaps) != 1 {
		t.Fatalf("snapshots disturbed by failed cycle: %+v", snaps)
	}
}

func TestDailySummaryFiresOncePerLocalDate(t *testing.T) {
	f := newFixture(t, true) // summaries on, gate 07:00, now is 08:00 UTC
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(time.Hour), "s1"))

	res := f.poll(t, u) // first poll: changes silent, summary still due
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "Schedule for 2026-03-10") {
		t.Fatalf("want summary, got %+v %v", res, f.sink.sent)
	}

	res = f.poll(t, u)
	if res.Sent != 0 {
		t.Fatalf("summary fired twice in one day: %+v %v", res, f.sink.sent)
	}

	f.now = f.now.Add(24 * time.Hour)
	f.source.set() // yesterday's event is out of today's list
	res = f.poll(t, u)
	summaries := 0
	f.sink.mu.Lock()
	for _, s := range f.sink.sent {
		if strings.Contains(s, "Schedule for 2026-03-11") {
			summaries++
		}
	}
	f.sink.mu.Unlock()
	if summaries != 1 {
		t.Fatalf("want next-day summary exactly once, sent %v", f.sink.sent)
	}
}

func TestFailedSummaryRetriesNextTick(t *testing.T) {
	f := newFixture(t, true)
	u := f.user(t, "u1")
	f.sink.failAll = true

	res := f.poll(t, u)
	if res.Failed != 1 {
		t.Fatalf("want failed summary send, got %+v", res)
	}
	got, _ := f.store.GetUser(context.Background(), "u1")
	if got.LastSummaryDate != "" {
		t.Fatalf("summary date advanced despite failed send: %q", got.LastSummaryDate)
	}

	f.sink.reset()
	res = f.poll(t, u)
	if res.Sent != 1 {
		t.Fatalf("summary not retried: %+v", res)
	}
	got, _ = f.store.GetUser(context.Background(), "u1")
	if got.LastSummaryDate != "2026-03-10" {
		t.Fatalf("summary date not advanced: %q", got.LastSummaryDate)
	}
}

func TestRotatedCredentialIsCommitted(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(2*time.Hour), "s1"))
	f.source.rotated = []byte("token-2")

	f.poll(t, u)

	got, _ := f.store.GetUser(context.Background(), "u1")
	if string(got.Credential) != "token-2" {
		t.Fatalf("rotated credential not stored: %q", got.Credential)
	}
}

func TestAllDayEventsGetNoReminders(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"))
	f.poll(t, u)

	allDay := event("e1", "Conference", f.now.Add(10*time.Minute), "s1")
	allDay.AllDay = true
	f.source.set(event("e0", "Old", f.now.Add(20*time.Hour), "s1"), allDay)

	res := f.poll(t, u)
	// Created notice yes, reminders no.
	if res.Sent != 1 || !strings.Contains(f.sink.sent[0], "New event") {
		t.Fatalf("all-day event produced reminders: %+v %v", res, f.sink.sent)
	}
}

// brokenReadsStore fails snapshot or ledger reads; everything else passes
// through to the wrapped Memory store.
type brokenReadsStore struct {
	*store.Memory
	snapshotsErr error
	ledgerErr    error
}

func (s *brokenReadsStore) Snapshots(ctx context.Context, userID string) ([]core.Snapshot, error) {
	if s.snapshotsErr != nil {
		return nil, s.snapshotsErr
	}
	return s.Memory.Snapshots(ctx, userID)
}

func (s *brokenReadsStore) Ledger(ctx context.Context, userID string) ([]core.LedgerEntry, error) {
	if s.ledgerErr != nil {
		return nil, s.ledgerErr
	}
	return s.Memory.Ledger(ctx, userID)
}

func TestStoreReadFailureReportsLoadingStage(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(2*time.Hour), "s1"))

	st := &brokenReadsStore{Memory: f.store, snapshotsErr: errors.New("connection reset")}
	c := New(Config{Interval: time.Second, CallTimeout: time.Second}, st, f.source, f.sink, zerolog.Nop())
	c.now = func() time.Time { return f.now }

	res := c.PollUser(context.Background(), u)
	if res.Stage != StageLoading || res.Err == nil {
		t.Fatalf("snapshot read failure misattributed: %+v", res)
	}

	st.snapshotsErr = nil
	st.ledgerErr = errors.New("connection reset")
	res = c.PollUser(context.Background(), u)
	if res.Stage != StageLoading || res.Err == nil {
		t.Fatalf("ledger read failure misattributed: %+v", res)
	}
	if f.sink.count() != 0 {
		t.Fatalf("failed cycle sent notifications: %v", f.sink.sent)
	}
}

func TestMalformedFetchSkipsCycle(t *testing.T) {
	f := newFixture(t, false)
	u := f.user(t, "u1")
	f.source.set(event("e1", "Standup", f.now.Add(2*time.Hour), "s1"))
	f.poll(t, u)

	f.source.set(core.Event{ID: "", Summary: "broken", Start: f.now.Add(time.Hour)})
	res := f.poll(t, u)
	if res.Stage != StageDiffing || !core.IsData(res.Err) {
		t.Fatalf("malformed payload not rejected at diff stage: %+v", res)
	}
	snaps, _ := f.store.Snapshots(context.Background(), "u1")
	if len(snaps) != 1 {
		t.Fatalf("state disturbed by rejected cycle: %+v", snaps)
	}
}
