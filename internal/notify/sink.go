// Package notify delivers notifications to users. The coordinator only sees
// the Sink interface; the production implementation posts Slack messages.
package notify

import (
	"context"

	slackapi "github.com/slack-go/slack"
)

// Sink is the fire-and-forget notification transport. A non-nil error means
// the message may not have been delivered; the coordinator treats every
// failure as retryable.
type Sink interface {
	Send(ctx context.Context, userID, text string) error
}

// SlackSink posts messages via the Slack Web API. The user id is the Slack
// channel or DM id the user registered with.
type SlackSink struct {
	client *slackapi.Client
}

// NewSlackSink creates a sink for the given bot token.
func NewSlackSink(botToken string) *SlackSink {
	return &SlackSink{client: slackapi.New(botToken)}
}

func (s *SlackSink) Send(ctx context.Context, userID, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, userID,
		slackapi.MsgOptionText(text, false))
	return err
}
