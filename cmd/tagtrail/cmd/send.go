package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/notify"
)

// sendCmd represents the send command.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose the bill emails of a period",
	Long: `Compose one email per member with the bill as text and CSV attachment.

Messages are written to the outbox directory of the period as .eml files,
ready to be handed to a mail client or an MTA.

Example:
  tagtrail send --period 2024-01-31`,
	Run: runSend,
}

func runSend(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := e.period.Send(ctx, notify.NewFileSender(e.paths, period))
	exitOnError(err, "failed to send bills")

	fmt.Println("\n=== Bill Emails ===")
	fmt.Printf("Sent:    %d\n", summary.Sent)
	fmt.Printf("Skipped: %d\n", len(summary.Skipped))
	for _, id := range summary.Skipped {
		fmt.Printf("  %s has no email address\n", id)
	}
	if len(summary.Failures) > 0 {
		fmt.Printf("Failed:  %d\n", len(summary.Failures))
		for _, err := range summary.Failures {
			fmt.Printf("  %v\n", err)
		}
		fmt.Println()
		os.Exit(1)
	}
	fmt.Println()
}
