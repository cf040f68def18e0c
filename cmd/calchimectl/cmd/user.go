package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registered users",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "register <user>",
		Short: "Register a user with default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand("register", args[0], nil)
			if err != nil {
				return err
			}
			if created, _ := reply.Payload["created"].(bool); created {
				fmt.Printf("User %s registered. Run 'calchimed auth --user %s' to connect their calendar.\n", args[0], args[0])
			} else {
				fmt.Printf("User %s already registered.\n", args[0])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user>",
		Short: "Remove a user's credential, snapshots, and notification history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("clear_user", args[0], nil); err != nil {
				return err
			}
			fmt.Printf("User %s cleared.\n", args[0])
			return nil
		},
	})

	return cmd
}
