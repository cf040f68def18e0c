package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/calchime/calchime/internal/calendar"
	"github.com/calchime/calchime/internal/natsserver"
	"github.com/calchime/calchime/internal/notify"
	"github.com/calchime/calchime/internal/poller"
	"github.com/calchime/calchime/internal/store"
)

// Daemon is the calchimed process.
type Daemon struct {
	cfg    Config
	logger zerolog.Logger

	nats   *natsserver.Server
	store  *store.Postgres
	coord  *poller.Coordinator
	cron   *cron.Cron
	stopCh chan struct{}
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal arrives or Stop is
// called.
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.OpenPostgres(ctx, d.cfg.Database.DSN, store.Defaults{
		Offsets:        d.cfg.Poll.Offsets,
		Timezone:       d.cfg.Summary.Timezone,
		SummaryTime:    d.cfg.Summary.Time,
		SummaryEnabled: d.cfg.Summary.Enabled,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	ns, err := natsserver.New(natsserver.Config{
		Host:  d.cfg.NATS.Host,
		Port:  d.cfg.NATS.Port,
		Token: d.cfg.NATS.Token,
	}, d.logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("start nats: %w", err)
	}
	d.nats = ns

	source := calendar.NewGoogleSource(d.cfg.Google.ClientID, d.cfg.Google.ClientSecret)
	sink := notify.NewSlackSink(d.cfg.Slack.BotToken)

	d.coord = poller.New(poller.Config{
		Interval:      d.cfg.Poll.Interval,
		CallTimeout:   d.cfg.Poll.CallTimeout,
		CommandSecret: d.cfg.Security.CommandSecret,
	}, st, source, sink, d.logger)

	if err := d.coord.BindBus(ns.Conn()); err != nil {
		d.shutdown()
		return fmt.Errorf("bind command surface: %w", err)
	}

	if err := d.startRetention(ctx); err != nil {
		d.shutdown()
		return err
	}

	pollErrCh := make(chan error, 1)
	go func() { pollErrCh <- d.coord.Run(ctx) }()

	d.logger.Info().
		Dur("poll_interval", d.cfg.Poll.Interval).
		Str("nats_url", ns.ClientURL()).
		Msg("calchimed started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pollExited := awaitShutdown(sigCh, d.stopCh, pollErrCh, d.logger)

	cancel()
	if !pollExited {
		<-pollErrCh // wait for in-flight cycles to finish
	}
	return d.shutdown()
}

// awaitShutdown blocks until a signal arrives, Stop is called, or the poll
// loop exits on its own. It reports whether the poll loop already exited, in
// which case pollErrCh has been consumed and must not be drained again.
func awaitShutdown(sigCh <-chan os.Signal, stopCh <-chan struct{}, pollErrCh <-chan error, logger zerolog.Logger) bool {
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-stopCh:
		logger.Info().Msg("stop requested, shutting down")
	case err := <-pollErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("poll loop error")
		}
		return true
	}
	return false
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

// NATSClientURL returns the embedded NATS server's client URL.
func (d *Daemon) NATSClientURL() string {
	if d.nats == nil {
		return ""
	}
	return d.nats.ClientURL()
}

// NATSConnectOpts returns NATS connection options for in-process connections.
func (d *Daemon) NATSConnectOpts() []nats.Option {
	if d.nats == nil {
		return nil
	}
	return []nats.Option{nats.InProcessServer(d.nats.NATSServer())}
}

// startRetention schedules the weekly purge of old ledger rows and stale
// snapshots.
func (d *Daemon) startRetention(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(d.cfg.Retention.Schedule, func() {
		cutoff := time.Now().Add(-d.cfg.Retention.MaxAge)
		removed, err := d.store.Purge(ctx, cutoff)
		if err != nil {
			d.logger.Error().Err(err).Msg("retention purge failed")
			return
		}
		d.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("retention purge done")
	})
	if err != nil {
		return fmt.Errorf("schedule retention %q: %w", d.cfg.Retention.Schedule, err)
	}
	c.Start()
	d.cron = c
	return nil
}

func (d *Daemon) shutdown() error {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close store")
		}
	}
	return nil
}
