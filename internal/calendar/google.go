package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth2 "golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/calchime/calchime/internal/core"
)

// oauthScopes is the access calchime requests: read-only calendar.
var oauthScopes = []string{calendarapi.CalendarReadonlyScope}

// GoogleSource implements Source against the Google Calendar REST API.
// Each Fetch builds a service from the user's stored token, so one source
// instance serves every user.
type GoogleSource struct {
	oauth      *oauth2.Config
	calendarID string
}

// NewGoogleSource creates a source for the given OAuth2 client.
func NewGoogleSource(clientID, clientSecret string) *GoogleSource {
	return &GoogleSource{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth2Endpoint,
			Scopes:       oauthScopes,
		},
		calendarID: "primary",
	}
}

// googleoauth2Endpoint is the Google OAuth2 endpoint; overridden in tests.
var googleoauth2Endpoint = googleoauth2.Endpoint

func (g *GoogleSource) Fetch(ctx context.Context, credential []byte, window core.Window) ([]core.Event, []byte, error) {
	var token oauth2.Token
	if err := json.Unmarshal(credential, &token); err != nil {
		return nil, nil, &core.AuthError{Err: fmt.Errorf("parse stored credential: %w", err)}
	}

	ts := g.oauth.TokenSource(ctx, &token)
	svc, err := calendarapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, nil, classify(fmt.Errorf("create calendar service: %w", err))
	}

	call := svc.Events.List(g.calendarID).
		SingleEvents(true).
		ShowDeleted(true).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		Context(ctx)

	var events []core.Event
	err = call.Pages(ctx, func(resp *calendarapi.Events) error {
		for _, item := range resp.Items {
			events = append(events, mapItem(item))
		}
		return nil
	})
	if err != nil {
		return nil, nil, classify(fmt.Errorf("list events: %w", err))
	}

	// Surface a refreshed token so the coordinator can persist it.
	var rotated []byte
	if current, err := ts.Token(); err == nil && current.AccessToken != token.AccessToken {
		if data, err := json.Marshal(current); err == nil {
			rotated = data
		}
	}

	return events, rotated, nil
}

// mapItem converts a Google Calendar API event into the core representation.
// The event's Updated timestamp serves as the version signature.
func mapItem(item *calendarapi.Event) core.Event {
	ev := core.Event{
		ID:        item.Id,
		Summary:   item.Summary,
		Location:  item.Location,
		Cancelled: item.Status == "cancelled",
		Signature: item.Updated,
	}

	if item.Start != nil {
		if item.Start.DateTime != "" {
			ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		} else if item.Start.Date != "" {
			ev.Start, _ = time.Parse("2006-01-02", item.Start.Date)
			ev.AllDay = true
		}
	}
	if item.End != nil {
		if item.End.DateTime != "" {
			ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		} else if item.End.Date != "" {
			ev.End, _ = time.Parse("2006-01-02", item.End.Date)
		}
	}
	return ev
}

// classify sorts a Google API failure into the coordinator's taxonomy.
// 401 and invalid-grant mean the credential is dead; rate limits, server
// errors, timeouts, and network failures retry on the next tick.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return &core.AuthError{Err: err}
		case apiErr.Code == 403 && hasReason(apiErr, "rateLimitExceeded", "userRateLimitExceeded"):
			return &core.TransientError{Err: err}
		case apiErr.Code == 403:
			return &core.AuthError{Err: err}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &core.TransientError{Err: err}
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// invalid_grant means the refresh token was revoked or expired.
		if retrieveErr.ErrorCode == "invalid_grant" {
			return &core.AuthError{Err: err}
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return &core.TransientError{Err: err}
		}
		return &core.AuthError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &core.TransientError{Err: err}
	}

	// Unknown failure shape: retrying is the safe default.
	return &core.TransientError{Err: err}
}

func hasReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		for _, r := range reasons {
			if strings.EqualFold(item.Reason, r) {
				return true
			}
		}
	}
	return false
}
