package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <user>",
		Short: "Send the user's schedule for today, immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sendCommand("send_summary", args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Summary sent to %s\n", args[0])
			return nil
		},
	}
}
