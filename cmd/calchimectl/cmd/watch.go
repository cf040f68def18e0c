package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/calchime/calchime/pkg/protocol"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <user>",
		Short: "Stream a user's delivered notices (for debugging)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := protocol.SubjectNotices(args[0])
			sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
				fmt.Println(string(msg.Data))
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			fmt.Fprintf(os.Stderr, "Watching %s (ctrl-c to stop)\n", subject)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}
