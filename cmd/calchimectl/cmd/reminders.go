package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRemindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Manage a user's reminder offsets",
	}

	cmd.AddCommand(newRemindersGetCmd())
	cmd.AddCommand(newRemindersSetCmd())
	cmd.AddCommand(newRemindersResetCmd())

	return cmd
}

func newRemindersGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <user>",
		Short: "Show the user's reminder offsets (minutes before start)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand("get_reminders", args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("Reminder offsets for %s: %v\n", args[0], reply.Payload["offsets"])
			return nil
		},
	}
}

func newRemindersSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <user> <minutes>...",
		Short: "Set reminder offsets (1 to 10080 minutes before start)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offsets := make([]any, 0, len(args)-1)
			for _, raw := range args[1:] {
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("offset %q is not a number of minutes", raw)
				}
				offsets = append(offsets, float64(n))
			}

			reply, err := sendCommand("set_reminders", args[0], map[string]any{"offsets": offsets})
			if err != nil {
				return err
			}
			fmt.Printf("Reminder offsets for %s set to %v\n", args[0], reply.Payload["offsets"])
			return nil
		},
	}
}

func newRemindersResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "Restore the default reminder offsets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand("reset_reminders", args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("Reminder offsets for %s reset to %v\n", args[0], reply.Payload["offsets"])
			return nil
		},
	}
}
