package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// userRepo reads and writes the users table through a DBTX.
type userRepo struct {
	db DBTX
}

const userColumns = `id, credential, offsets, timezone, summary_time, summary_enabled, last_summary_date, auth_revoked, last_poll_at`

func (r *userRepo) add(ctx context.Context, id string, defaults core.User) (bool, error) {
	offsets, err := json.Marshal(defaults.Offsets)
	if err != nil {
		return false, fmt.Errorf("marshal offsets: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, offsets, timezone, summary_time, summary_enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, string(offsets), defaults.Timezone, defaults.SummaryTime, defaults.SummaryEnabled)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *userRepo) get(ctx context.Context, id string) (core.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *userRepo) active(ctx context.Context) ([]core.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE credential IS NOT NULL AND NOT auth_revoked
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *userRepo) saveCredential(ctx context.Context, id string, credential []byte) error {
	return r.execOne(ctx,
		`UPDATE users SET credential = $1 WHERE id = $2`, credential, id)
}

func (r *userRepo) setOffsets(ctx context.Context, id string, offsets []int) error {
	data, err := json.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("marshal offsets: %w", err)
	}
	return r.execOne(ctx,
		`UPDATE users SET offsets = $1 WHERE id = $2`, string(data), id)
}

func (r *userRepo) setAuthRevoked(ctx context.Context, id string, revoked bool) error {
	return r.execOne(ctx,
		`UPDATE users SET auth_revoked = $1 WHERE id = $2`, revoked, id)
}

func (r *userRepo) setSummaryDate(ctx context.Context, id, date string) error {
	return r.execOne(ctx,
		`UPDATE users SET last_summary_date = $1 WHERE id = $2`, date, id)
}

func (r *userRepo) setLastPoll(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx,
		`UPDATE users SET last_poll_at = $1 WHERE id = $2`, at, id)
}

func (r *userRepo) reset(ctx context.Context, id string, defaults core.User) error {
	offsets, err := json.Marshal(defaults.Offsets)
	if err != nil {
		return fmt.Errorf("marshal offsets: %w", err)
	}
	return r.execOne(ctx,
		`UPDATE users
		 SET credential = NULL, offsets = $1, last_summary_date = '', auth_revoked = FALSE,
		     last_poll_at = NULL
		 WHERE id = $2`,
		string(offsets), id)
}

func (r *userRepo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (core.User, error) {
	var (
		u        core.User
		offsets  string
		lastPoll sql.NullTime
	)
	// A NULL credential scans to a nil slice.
	err := row.Scan(&u.ID, &u.Credential, &offsets, &u.Timezone,
		&u.SummaryTime, &u.SummaryEnabled, &u.LastSummaryDate, &u.AuthRevoked,
		&lastPoll)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.User{}, ErrNotFound
		}
		return core.User{}, fmt.Errorf("db error: %w", err)
	}
	if lastPoll.Valid {
		u.LastPollAt = lastPoll.Time
	}
	if err := json.Unmarshal([]byte(offsets), &u.Offsets); err != nil {
		return core.User{}, fmt.Errorf("decode offsets for user %s: %w", u.ID, err)
	}
	return u, nil
}
