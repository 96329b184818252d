package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
)

// statsCmd represents the stats command.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display history statistics",
	Long: `Display statistics about closed periods, price snapshots and
acknowledgments. With --period the acknowledgments of that period are listed.

Example:
  tagtrail stats
  tagtrail stats --period 2024-01-31`,
	Run: runStats,
}

func runStats(cmd *cobra.Command, args []string) {
	e := loadEnv(false)
	defer e.Close()

	history := db.NewHistory(e.conn)

	stats, err := history.GetStats()
	exitOnError(err, "failed to get statistics")

	fmt.Println("\n=== History Statistics ===")
	fmt.Printf("Closed periods:   %d\n", stats.ClosedPeriods)
	if stats.LastClosed.Valid {
		fmt.Printf("Last closed:      %s\n", stats.LastClosed.String)
	} else {
		fmt.Printf("Last closed:      (never)\n")
	}
	fmt.Printf("Priced products:  %d\n", stats.PricedProducts)
	fmt.Printf("Acknowledgments:  %d\n", stats.Acknowledgments)
	fmt.Printf("Known accounts:   %d\n", stats.KnownAccounts)

	periods, err := history.ListPeriods()
	exitOnError(err, "failed to list periods")
	if len(periods) > 0 {
		fmt.Println("\n=== Closed Periods ===")
		for _, p := range periods {
			fmt.Printf("%s  bills %3d  transactions %4d  total %10s  closed %s\n",
				p.Period, p.NumBills, p.NumTransactions, money.Format(p.TotalBilled),
				p.ClosedAt.Format("2006-01-02 15:04"))
		}
	}

	if period != "" {
		acks, err := history.ListAcknowledgments(period)
		exitOnError(err, "failed to list acknowledgments")
		fmt.Printf("\n=== Acknowledgments of %s ===\n", period)
		if len(acks) == 0 {
			fmt.Println("(none)")
		}
		for _, a := range acks {
			fmt.Printf("%-10s %s\n", a.Kind, a.Subject)
		}
	}
	fmt.Println()
}
