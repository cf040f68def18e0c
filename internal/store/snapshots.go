package store

import (
	"context"
	"fmt"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// snapshotRepo reads and writes the snapshots table through a DBTX.
type snapshotRepo struct {
	db DBTX
}

func (r *snapshotRepo) list(ctx context.Context, userID string) ([]core.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, event_id, signature, start_at
		 FROM snapshots WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var snaps []core.Snapshot
	for rows.Next() {
		var s core.Snapshot
		if err := rows.Scan(&s.UserID, &s.EventID, &s.Signature, &s.Start); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *snapshotRepo) upsert(ctx context.Context, s core.Snapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, event_id, signature, start_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, event_id)
		 DO UPDATE SET signature = EXCLUDED.signature, start_at = EXCLUDED.start_at`,
		s.UserID, s.EventID, s.Signature, s.Start)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *snapshotRepo) delete(ctx context.Context, userID, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE user_id = $1 AND event_id = $2`, userID, eventID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *snapshotRepo) purgeStarted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE start_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
