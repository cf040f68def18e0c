package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/calchime/calchime/internal/core"
	"github.com/calchime/calchime/internal/notify"
	"github.com/calchime/calchime/pkg/protocol"
)

// BindBus connects the coordinator to NATS: it subscribes to the command
// subject and mirrors every delivered notice on the per-user notice subject.
func (c *Coordinator) BindBus(nc *nats.Conn) error {
	c.nc = nc
	_, err := nc.Subscribe(protocol.SubjectCommands, c.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectCommands, err)
	}
	c.logger.Info().Str("subject", protocol.SubjectCommands).Msg("command surface bound")
	return nil
}

func (c *Coordinator) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Warn().Err(err).Msg("malformed command dropped")
		c.reply(msg, protocol.Reply{OK: false, Error: "malformed command"})
		return
	}

	log := c.logger.With().Str("command", cmd.Command).Str("user", cmd.UserID).
		Str("source", cmd.Source).Logger()

	if !protocol.VerifyCommand(&cmd, c.cfg.CommandSecret) {
		log.Warn().Msg("command signature rejected")
		c.reply(msg, protocol.Reply{OK: false, Error: "invalid signature"})
		return
	}
	if cmd.UserID == "" {
		c.reply(msg, protocol.Reply{OK: false, Error: "user_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	reply, err := c.dispatch(ctx, cmd)
	if err != nil {
		log.Warn().Err(err).Msg("command failed")
		c.reply(msg, protocol.Reply{OK: false, Error: err.Error()})
		return
	}
	log.Info().Msg("command handled")
	c.reply(msg, reply)
}

func (c *Coordinator) dispatch(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	switch cmd.Command {
	case "register":
		created, err := c.store.AddUser(ctx, cmd.UserID)
		if err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true, Payload: map[string]any{"created": created}}, nil

	case "set_reminders":
		offsets, err := intSlice(cmd.Payload["offsets"])
		if err != nil {
			return protocol.Reply{}, err
		}
		valid, err := core.ValidateOffsets(offsets)
		if err != nil {
			return protocol.Reply{}, err
		}
		if err := c.store.SetOffsets(ctx, cmd.UserID, valid); err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true, Payload: map[string]any{"offsets": valid}}, nil

	case "reset_reminders":
		if err := c.store.SetOffsets(ctx, cmd.UserID, core.DefaultOffsets); err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true, Payload: map[string]any{"offsets": core.DefaultOffsets}}, nil

	case "get_reminders":
		user, err := c.store.GetUser(ctx, cmd.UserID)
		if err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true, Payload: map[string]any{"offsets": user.Offsets}}, nil

	case "send_summary":
		if err := c.SummaryNow(ctx, cmd.UserID); err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true}, nil

	case "clear_user":
		if err := c.store.ClearUser(ctx, cmd.UserID); err != nil {
			return protocol.Reply{}, err
		}
		return protocol.Reply{OK: true}, nil

	default:
		return protocol.Reply{}, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// SummaryNow sends an on-demand schedule for the user's current local day.
// Unlike the scheduled summary it does not advance LastSummaryDate, so the
// regular daily summary still fires.
func (c *Coordinator) SummaryNow(ctx context.Context, userID string) error {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(user.Credential) == 0 {
		return fmt.Errorf("user %s has no calendar credential", userID)
	}

	now := c.now()
	dayStart, dayEnd, err := core.LocalDayBounds(user, now)
	if err != nil {
		return err
	}
	events, _, err := c.source.Fetch(ctx, user.Credential, core.Window{Start: dayStart, End: dayEnd})
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return err
	}
	localDate := now.In(loc).Format("2006-01-02")

	live := make([]core.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Cancelled {
			live = append(live, ev)
		}
	}
	return c.sink.Send(ctx, userID, notify.Summary(live, localDate))
}

func (c *Coordinator) reply(msg *nats.Msg, r protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn().Err(err).Msg("respond failed")
	}
}

func marshalEvent(ev protocol.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// intSlice coerces a JSON payload value ([]any of float64) into ints.
func intSlice(v any) ([]int, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("offsets must be an array of minutes")
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		f, ok := item.(float64)
		if !ok || f != float64(int(f)) {
			return nil, fmt.Errorf("offset %v is not a whole number of minutes", item)
		}
		out = append(out, int(f))
	}
	return out, nil
}
