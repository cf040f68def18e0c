package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/calchime/calchime/internal/calendar"
	"github.com/calchime/calchime/internal/server"
	"github.com/calchime/calchime/internal/store"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "calchimed",
		Short: "Calchime daemon — calendar change and reminder notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := server.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			d := server.NewDaemon(cfg, logger)
			return d.Run()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(newAuthCmd(&cfgFile))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newAuthCmd runs the interactive OAuth flow for one user and stores the
// resulting credential. The user is registered first if unknown, and any
// re-auth pause is lifted.
func newAuthCmd(cfgFile *string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize calendar access for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
				return fmt.Errorf("google.client_id and google.client_secret must be configured")
			}

			ctx := cmd.Context()
			st, err := store.OpenPostgres(ctx, cfg.Database.DSN, store.Defaults{
				Offsets:        cfg.Poll.Offsets,
				Timezone:       cfg.Summary.Timezone,
				SummaryTime:    cfg.Summary.Time,
				SummaryEnabled: cfg.Summary.Enabled,
			})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			created, err := st.AddUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("register user: %w", err)
			}

			token, err := calendar.AuthFlow(ctx, cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}
			credential, err := calendar.MarshalToken(token)
			if err != nil {
				return err
			}

			if err := st.SaveCredential(ctx, userID, credential); err != nil {
				return fmt.Errorf("store credential: %w", err)
			}
			if err := st.SetAuthRevoked(ctx, userID, false); err != nil {
				return fmt.Errorf("resume polling: %w", err)
			}

			if created {
				fmt.Printf("User %s registered and authorized.\n", userID)
			} else {
				fmt.Printf("User %s re-authorized.\n", userID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (Slack channel or DM id)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newLogger() zerolog.Logger {
	return zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).With().Timestamp().Logger()
}
