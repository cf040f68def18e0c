package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/calchime/calchime/internal/core"
	"github.com/calchime/calchime/internal/store/migrations"
)

// Postgres implements Store on a PostgreSQL database via the pgx stdlib
// driver. CommitCycle and ClearUser run inside a single transaction.
type Postgres struct {
	db       *sql.DB
	defaults core.User
}

// Defaults are the settings applied to newly registered users.
type Defaults struct {
	Offsets        []int
	Timezone       string
	SummaryTime    string
	SummaryEnabled bool
}

// OpenPostgres connects to the database, verifies the connection, and runs
// pending schema migrations.
func OpenPostgres(ctx context.Context, dsn string, defaults Defaults) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewPostgres(db, defaults), nil
}

// NewPostgres wraps an already-open connection. Used by tests with sqlmock.
func NewPostgres(db *sql.DB, defaults Defaults) *Postgres {
	return &Postgres{
		db: db,
		defaults: core.User{
			Offsets:        defaults.Offsets,
			Timezone:       defaults.Timezone,
			SummaryTime:    defaults.SummaryTime,
			SummaryEnabled: defaults.SummaryEnabled,
		},
	}
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) AddUser(ctx context.Context, id string) (bool, error) {
	r := &userRepo{db: p.db}
	return r.add(ctx, id, p.defaults)
}

func (p *Postgres) GetUser(ctx context.Context, id string) (core.User, error) {
	r := &userRepo{db: p.db}
	return r.get(ctx, id)
}

func (p *Postgres) ActiveUsers(ctx context.Context) ([]core.User, error) {
	r := &userRepo{db: p.db}
	return r.active(ctx)
}

func (p *Postgres) SaveCredential(ctx context.Context, userID string, credential []byte) error {
	r := &userRepo{db: p.db}
	return r.saveCredential(ctx, userID, credential)
}

func (p *Postgres) SetOffsets(ctx context.Context, userID string, offsets []int) error {
	r := &userRepo{db: p.db}
	return r.setOffsets(ctx, userID, offsets)
}

func (p *Postgres) SetAuthRevoked(ctx context.Context, userID string, revoked bool) error {
	r := &userRepo{db: p.db}
	return r.setAuthRevoked(ctx, userID, revoked)
}

func (p *Postgres) ClearUser(ctx context.Context, userID string) error {
	return withTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		r := &userRepo{db: tx}
		return r.reset(ctx, userID, p.defaults)
	})
}

func (p *Postgres) Snapshots(ctx context.Context, userID string) ([]core.Snapshot, error) {
	r := &snapshotRepo{db: p.db}
	return r.list(ctx, userID)
}

func (p *Postgres) Ledger(ctx context.Context, userID string) ([]core.LedgerEntry, error) {
	r := &ledgerRepo{db: p.db}
	return r.list(ctx, userID)
}

func (p *Postgres) CommitCycle(ctx context.Context, userID string, commit CycleCommit) error {
	if commit.Empty() {
		return nil
	}
	return withTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		snaps := &snapshotRepo{db: tx}
		ledger := &ledgerRepo{db: tx}
		users := &userRepo{db: tx}

		for _, s := range commit.UpsertSnapshots {
			if err := snaps.upsert(ctx, s); err != nil {
				return err
			}
		}
		for _, eventID := range commit.DeleteSnapshots {
			if err := snaps.delete(ctx, userID, eventID); err != nil {
				return err
			}
		}
		for _, e := range commit.Entries {
			if err := ledger.insert(ctx, e); err != nil {
				return err
			}
		}
		if commit.SummaryDate != "" {
			if err := users.setSummaryDate(ctx, userID, commit.SummaryDate); err != nil {
				return err
			}
		}
		if commit.Credential != nil {
			if err := users.saveCredential(ctx, userID, commit.Credential); err != nil {
				return err
			}
		}
		if !commit.PollTime.IsZero() {
			if err := users.setLastPoll(ctx, userID, commit.PollTime); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := withTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		ledger := &ledgerRepo{db: tx}
		snaps := &snapshotRepo{db: tx}

		n, err := ledger.purgeSentBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		total += n

		n, err = snaps.purgeStarted(ctx, cutoff)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}
