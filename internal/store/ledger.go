package store

import (
	"context"
	"fmt"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// ledgerRepo reads and writes the ledger table through a DBTX.
type ledgerRepo struct {
	db DBTX
}

func (r *ledgerRepo) list(ctx context.Context, userID string) ([]core.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, event_id, kind, sent_at
		 FROM ledger WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var entries []core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		if err := rows.Scan(&e.UserID, &e.EventID, &e.Kind, &e.SentAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// insert records a delivery. Re-inserting the same (user, event, kind) is a
// no-op: on a crash between send and commit the retried cycle may re-send
// once, and the second commit must not fail on the duplicate.
func (r *ledgerRepo) insert(ctx context.Context, e core.LedgerEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger (user_id, event_id, kind, sent_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, event_id, kind) DO NOTHING`,
		e.UserID, e.EventID, string(e.Kind), e.SentAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *ledgerRepo) purgeSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM ledger WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
