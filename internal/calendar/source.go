// Package calendar provides the calendar source the poll cycle reads from:
// an interface the coordinator consumes, and a Google Calendar
// implementation backed by per-user OAuth2 credentials.
package calendar

import (
	"context"

	"github.com/calchime/calchime/internal/core"
)

// Source fetches a user's events for a time window.
type Source interface {
	// Fetch returns all events whose start falls within the window, plus a
	// rotated credential when the token was refreshed during the call
	// (nil when unchanged). Failures are classified as core.AuthError or
	// core.TransientError.
	Fetch(ctx context.Context, credential []byte, window core.Window) ([]core.Event, []byte, error)
}
