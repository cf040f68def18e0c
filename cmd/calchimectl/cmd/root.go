package cmd

import "github.com/spf13/cobra"

var (
	natsURL   string
	natsToken string
	secret    string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root calchimectl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "calchimectl",
		Short:   "Calchime CLI — control the calchimed daemon",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "calchimed NATS URL")
	rootCmd.PersistentFlags().StringVar(&natsToken, "nats-token", "", "NATS auth token")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "command signing secret (or CALCHIME_COMMAND_SECRET)")

	rootCmd.AddCommand(newRemindersCmd())
	rootCmd.AddCommand(newSummaryCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newSecretsCmd())

	return rootCmd
}
