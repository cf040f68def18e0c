package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/calchime/calchime/pkg/protocol"
)

func connect() (*nats.Conn, error) {
	var opts []nats.Option
	if natsToken != "" {
		opts = append(opts, nats.Token(natsToken))
	}
	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to calchimed at %s: %w", natsURL, err)
	}
	return nc, nil
}

// sendCommand signs and publishes a command, waits for the reply, and
// fails on a non-OK response.
func sendCommand(command, userID string, payload map[string]any) (protocol.Reply, error) {
	signingSecret := secret
	if signingSecret == "" {
		signingSecret = os.Getenv("CALCHIME_COMMAND_SECRET")
	}

	cmd := protocol.Command{
		Command: command,
		UserID:  userID,
		Payload: payload,
		Source:  "calchimectl",
	}
	if err := protocol.SignCommand(&cmd, signingSecret); err != nil {
		return protocol.Reply{}, fmt.Errorf("sign command: %w", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Reply{}, err
	}

	nc, err := connect()
	if err != nil {
		return protocol.Reply{}, err
	}
	defer nc.Close()

	msg, err := nc.Request(protocol.SubjectCommands, data, 10*time.Second)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("command request: %w", err)
	}

	var reply protocol.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("calchimed rejected the command: %s", reply.Error)
	}
	return reply, nil
}
