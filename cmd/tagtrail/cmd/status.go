package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the confirmation state of a period",
	Long: `Display every decoded sheet of a period with its pending cells,
and the sheets waiting for a new photograph.

Example:
  tagtrail status --period 2024-01-31`,
	Run: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	status, err := e.period.Status()
	exitOnError(err, "failed to get status")

	fmt.Printf("\n=== Sheets of %s ===\n", period)
	if len(status.Sheets) == 0 {
		fmt.Println("(no sheets decoded)")
	}
	for _, sheet := range status.Sheets {
		owner := sheet.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Printf("%-20s %-10s owner %-8s %d pending\n", sheet.ID, sheet.Status, owner, len(sheet.Pending()))
	}

	if len(status.Rephoto) > 0 {
		fmt.Println("\n=== Photograph Again ===")
		for _, req := range status.Rephoto {
			fmt.Printf("%s sheet %d: %s\n", req.Source, req.Position, req.Reason)
		}
	}

	fmt.Printf("\nPending cells: %d\n", status.Pending)
	if status.Confirmed() {
		fmt.Println("All sheets confirmed, ready to reconcile")
	}
	fmt.Println()
}
