package protocol

// Command is the canonical command envelope published on calchime.commands.
// Replies, when requested, carry a Reply payload on the NATS reply subject.
type Command struct {
	Command   string         `json:"command"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source"`
	Signature string         `json:"signature,omitempty"`
}

// Reply is the response envelope for request-style commands.
type Reply struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
