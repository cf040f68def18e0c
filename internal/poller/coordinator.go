// Package poller orchestrates the poll cycle: fetch events, diff against
// stored snapshots, plan reminders and summaries, notify, and commit — for
// every active user, once per tick, with per-user overlap protection.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/calchime/calchime/internal/calendar"
	"github.com/calchime/calchime/internal/core"
	"github.com/calchime/calchime/internal/notify"
	"github.com/calchime/calchime/internal/store"
	"github.com/calchime/calchime/pkg/protocol"
)

// Stage names the steps of one user's poll cycle. A CycleResult carries the
// terminal stage: StageDone, or the stage that failed.
type Stage string

const (
	StageFetching   Stage = "fetching"
	StageLoading    Stage = "loading" // reading snapshots and ledger from the store
	StageDiffing    Stage = "diffing"
	StagePlanning   Stage = "planning"
	StageNotifying  Stage = "notifying"
	StageCommitting Stage = "committing"
	StageDone       Stage = "done"
)

// CycleResult summarizes one user's poll cycle.
type CycleResult struct {
	Stage   Stage
	Err     error
	Sent    int
	Failed  int
	Skipped bool // an earlier cycle for this user was still running
}

// Config holds coordinator settings.
type Config struct {
	// Interval between poll ticks. It doubles as the retry interval for
	// transient failures, bounding worst-case staleness.
	Interval time.Duration
	// CallTimeout bounds each network call (fetch, send).
	CallTimeout time.Duration
	// CommandSecret verifies HMAC signatures on bus commands.
	CommandSecret string
}

// Coordinator drives poll cycles and the configuration command surface.
type Coordinator struct {
	cfg    Config
	store  store.Store
	source calendar.Source
	sink   notify.Sink
	logger zerolog.Logger

	nc *nats.Conn // optional: notice mirror + command surface

	now func() time.Time // test seam

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// New creates a Coordinator. Call Run to start the poll loop, or PollUser
// to drive single cycles directly.
func New(cfg Config, st store.Store, src calendar.Source, sink notify.Sink, logger zerolog.Logger) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 180 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		source:   src,
		sink:     sink,
		logger:   logger.With().Str("component", "poller").Logger(),
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
}

// notice is one queued notification in a cycle's batch.
type notice struct {
	eventID     string
	kind        core.TriggerKind
	text        string
	silent      bool   // record the ledger entry without sending (first poll)
	summaryDate string // set for summary notices
}

// PollUser runs one full cycle for a user. If a previous cycle for the same
// user is still in flight, the cycle is skipped, not queued.
func (c *Coordinator) PollUser(ctx context.Context, user core.User) CycleResult {
	if !c.begin(user.ID) {
		c.logger.Warn().Str("user", user.ID).Msg("previous cycle still running, skipping tick")
		return CycleResult{Skipped: true}
	}
	defer c.end(user.ID)
	return c.runCycle(ctx, user)
}

func (c *Coordinator) begin(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[userID] {
		return false
	}
	c.inFlight[userID] = true
	return true
}

func (c *Coordinator) end(userID string) {
	c.mu.Lock()
	delete(c.inFlight, userID)
	c.mu.Unlock()
}

func (c *Coordinator) runCycle(ctx context.Context, user core.User) CycleResult {
	now := c.now()
	log := c.logger.With().Str("user", user.ID).Logger()

	// Fetching: the only stage that talks to the calendar source. Any
	// failure here aborts the cycle with nothing persisted.
	window := core.FetchWindow(now, user.Offsets)
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	events, rotated, err := c.source.Fetch(fetchCtx, user.Credential, window)
	cancel()
	if err != nil {
		if core.IsAuth(err) {
			c.pauseForReauth(ctx, user, log)
			log.Error().Err(err).Msg("credential rejected, polling paused")
		} else {
			log.Warn().Err(err).Msg("fetch failed, retrying next tick")
		}
		return CycleResult{Stage: StageFetching, Err: err}
	}

	snapshots, err := c.store.Snapshots(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Msg("load snapshots failed")
		return CycleResult{Stage: StageLoading, Err: err}
	}
	entries, err := c.store.Ledger(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Msg("load ledger failed")
		return CycleResult{Stage: StageLoading, Err: err}
	}
	sent := store.LedgerSet(entries)

	// A user whose last_poll_at marker was never stamped connected just now:
	// seed state silently instead of announcing their whole calendar. The
	// marker, not empty state, decides this — an empty calendar on the first
	// poll must not leave the user stuck in silent mode.
	firstPoll := user.LastPollAt.IsZero()

	// Diffing: pure. A DataError means the source fed us garbage; skip the
	// user and surface it to the operator.
	changes, err := core.Diff(snapshots, events, window)
	if err != nil {
		log.Error().Err(err).Msg("diff rejected fetch result")
		return CycleResult{Stage: StageDiffing, Err: err}
	}

	// Planning.
	batch, err := c.plan(user, events, changes, sent, now, firstPoll)
	if err != nil {
		log.Error().Err(err).Msg("planning failed")
		return CycleResult{Stage: StagePlanning, Err: err}
	}

	// Notifying: sequential sends. A failed send withholds only its own
	// ledger entry; the rest of the batch still goes out.
	commit := store.CycleCommit{Credential: rotated, PollTime: now}
	failedUpdated := make(map[string]bool)
	cancelledSent := make(map[string]bool)
	sentCount, failedCount := 0, 0

	for _, n := range batch {
		if n.silent {
			commit.Entries = append(commit.Entries, core.LedgerEntry{
				UserID: user.ID, EventID: n.eventID, Kind: n.kind, SentAt: c.now(),
			})
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err := c.sink.Send(sendCtx, user.ID, n.text)
		cancel()
		if err != nil {
			failedCount++
			log.Warn().Err(err).Str("kind", string(n.kind)).Str("event", n.eventID).
				Msg("send failed, will retry next tick")
			if _, isUpdate := coreUpdatedEvent(n.kind); isUpdate {
				// Keep the old snapshot signature so the diff re-emits
				// this update next cycle.
				failedUpdated[n.eventID] = true
			}
			continue
		}

		sentCount++
		commit.Entries = append(commit.Entries, core.LedgerEntry{
			UserID: user.ID, EventID: n.eventID, Kind: n.kind, SentAt: c.now(),
		})
		if n.kind == core.KindCancelled {
			cancelledSent[n.eventID] = true
		}
		if n.summaryDate != "" {
			commit.SummaryDate = n.summaryDate
		}
		c.publishNotice(user.ID, n)
	}

	// Committing: one transaction per user.
	for _, ev := range changes.Created {
		commit.UpsertSnapshots = append(commit.UpsertSnapshots, core.Snapshot{
			UserID: user.ID, EventID: ev.ID, Signature: ev.Signature, Start: ev.Start,
		})
	}
	for _, ev := range changes.Updated {
		if failedUpdated[ev.ID] {
			continue
		}
		commit.UpsertSnapshots = append(commit.UpsertSnapshots, core.Snapshot{
			UserID: user.ID, EventID: ev.ID, Signature: ev.Signature, Start: ev.Start,
		})
	}
	// A snapshot leaves the store only once its cancellation has been
	// reported (now or in a previous cycle).
	for _, s := range changes.Cancelled {
		if cancelledSent[s.EventID] || sent(s.EventID, core.KindCancelled) {
			commit.DeleteSnapshots = append(commit.DeleteSnapshots, s.EventID)
		}
	}

	if err := c.store.CommitCycle(ctx, user.ID, commit); err != nil {
		log.Error().Err(err).Msg("commit failed; sent notifications may repeat once next tick")
		return CycleResult{Stage: StageCommitting, Err: err, Sent: sentCount, Failed: failedCount}
	}

	log.Debug().
		Int("fetched", len(events)).
		Int("sent", sentCount).
		Int("failed", failedCount).
		Bool("first_poll", firstPoll).
		Msg("cycle complete")
	return CycleResult{Stage: StageDone, Sent: sentCount, Failed: failedCount}
}

// plan assembles the ordered notification batch: change notices first, then
// due reminders soonest-start-first, then the daily summary.
func (c *Coordinator) plan(user core.User, events []core.Event, changes core.ChangeSet, sent core.Sent, now time.Time, firstPoll bool) ([]notice, error) {
	var batch []notice

	// Created notices are ledger-driven rather than diff-driven: a send
	// that failed after the snapshot was committed still retries here.
	createdQueued := make(map[string]bool)
	for _, ev := range events {
		if ev.Cancelled || sent(ev.ID, core.KindCreated) {
			continue
		}
		createdQueued[ev.ID] = true
		batch = append(batch, notice{
			eventID: ev.ID,
			kind:    core.KindCreated,
			text:    notify.Created(ev),
			silent:  firstPoll,
		})
	}

	for _, ev := range changes.Updated {
		kind := core.UpdatedKind(ev.Signature)
		if createdQueued[ev.ID] || sent(ev.ID, kind) {
			// A creation notice already covers the event's current state.
			continue
		}
		batch = append(batch, notice{eventID: ev.ID, kind: kind, text: notify.Updated(ev)})
	}

	for _, s := range changes.Cancelled {
		if sent(s.EventID, core.KindCancelled) {
			continue
		}
		batch = append(batch, notice{
			eventID: s.EventID,
			kind:    core.KindCancelled,
			text:    notify.Cancelled(s),
			silent:  firstPoll,
		})
	}

	// Reminders, over the events the source still considers live. Events
	// cancelled this cycle carry the Cancelled flag or sit in
	// changes.Cancelled, never in the live list.
	if !firstPoll {
		live := make([]core.Event, 0, len(events))
		for _, ev := range events {
			if !ev.Cancelled {
				live = append(live, ev)
			}
		}
		fire, covered := core.PlanAllReminders(live, user.Offsets, sent, now)
		for _, d := range fire {
			batch = append(batch, notice{
				eventID: d.Event.ID,
				kind:    core.ReminderKind(d.OffsetMinutes),
				text:    notify.Reminder(d, now),
			})
		}
		// Offsets whose window closed in the same cycle a larger one fired:
		// recorded, never sent.
		for _, d := range covered {
			batch = append(batch, notice{
				eventID: d.Event.ID,
				kind:    core.ReminderKind(d.OffsetMinutes),
				silent:  true,
			})
		}
	}

	due, localDate, err := core.SummaryDue(user, now)
	if err != nil {
		return nil, err
	}
	if due {
		dayEvents, err := c.localDayEvents(user, events, now)
		if err != nil {
			return nil, err
		}
		batch = append(batch, notice{
			kind:        core.SummaryKind(localDate),
			text:        notify.Summary(dayEvents, localDate),
			summaryDate: localDate,
		})
	}

	return batch, nil
}

func (c *Coordinator) localDayEvents(user core.User, events []core.Event, now time.Time) ([]core.Event, error) {
	dayStart, dayEnd, err := core.LocalDayBounds(user, now)
	if err != nil {
		return nil, err
	}
	var out []core.Event
	for _, ev := range events {
		if ev.Cancelled {
			continue
		}
		if !ev.Start.Before(dayStart) && ev.Start.Before(dayEnd) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// pauseForReauth flips the user's auth_revoked flag and tells them how to
// reconnect. Sends don't need calendar credentials, so the instruction goes
// out even though the fetch just failed.
func (c *Coordinator) pauseForReauth(ctx context.Context, user core.User, log zerolog.Logger) {
	if err := c.store.SetAuthRevoked(ctx, user.ID, true); err != nil {
		log.Error().Err(err).Msg("mark auth revoked failed")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := c.sink.Send(sendCtx, user.ID, notify.ReauthInstruction(user.ID)); err != nil {
		log.Warn().Err(err).Msg("re-auth instruction not delivered")
	}
}

// publishNotice mirrors a delivered notification on the bus, if connected.
func (c *Coordinator) publishNotice(userID string, n notice) {
	if c.nc == nil {
		return
	}
	ev := protocol.NewEvent(noticeType(n.kind), userID, map[string]any{
		"event_id": n.eventID,
		"kind":     string(n.kind),
	})
	data, err := marshalEvent(ev)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal notice event")
		return
	}
	if err := c.nc.Publish(protocol.SubjectNotices(userID), data); err != nil {
		c.logger.Warn().Err(err).Msg("publish notice event")
	}
}

func noticeType(kind core.TriggerKind) string {
	if _, ok := kind.IsReminder(); ok {
		return "reminder"
	}
	switch {
	case kind == core.KindCreated:
		return "created"
	case kind == core.KindCancelled:
		return "cancelled"
	case hasPrefix(kind, "updated:"):
		return "updated"
	case hasPrefix(kind, "summary:"):
		return "summary"
	}
	return string(kind)
}

func hasPrefix(kind core.TriggerKind, prefix string) bool {
	return len(kind) >= len(prefix) && string(kind[:len(prefix)]) == prefix
}

// coreUpdatedEvent reports whether kind is an update notice.
func coreUpdatedEvent(kind core.TriggerKind) (string, bool) {
	const prefix = "updated:"
	if hasPrefix(kind, prefix) {
		return string(kind[len(prefix):]), true
	}
	return "", false
}
