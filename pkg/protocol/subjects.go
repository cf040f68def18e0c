package protocol

import "fmt"

// NATS subject constants and helpers.
const (
	// SubjectCommands receives configuration commands for the coordinator.
	SubjectCommands = "calchime.commands"
)

// SubjectNotices is the per-user subject delivered notices are mirrored on.
func SubjectNotices(userID string) string {
	return fmt.Sprintf("calchime.notices.%s", userID)
}
