package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pipeline"
)

var ackPrices []string

// billCmd represents the bill command.
var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Compute and write the member bills of a period",
	Long: `Compute the bill of every member and write it to the bills directory.

Prices are fixed the first time bills are computed for a period. A product
whose price moved more than the configured percentage since the previous
period blocks billing until it is acknowledged with --ack-price.

Example:
  tagtrail bill --period 2024-01-31
  tagtrail bill --period 2024-01-31 --ack-price apfel --ack-price reis`,
	Run: runBill,
}

func init() {
	billCmd.Flags().StringArrayVar(&ackPrices, "ack-price", nil, "acknowledge the price change of a product (repeatable)")
}

func runBill(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	err := e.period.Acknowledge(db.AckPrice, ackPrices...)
	exitOnError(err, "failed to record acknowledgments")

	run, err := e.period.Bill(context.Background())
	exitOnError(err, "failed to bill")

	printBills(run)
}

func printBills(run *pipeline.BillRun) {
	fmt.Println("\n=== Bills ===")
	for _, b := range run.Bills {
		fmt.Printf("%-10s %-24s total %12s  balance %12s\n",
			b.MemberID, b.MemberName,
			money.FormatWithCurrency(b.TotalPrice, b.Currency),
			money.FormatWithCurrency(b.CurrentBalance, b.Currency))
	}
	printWarnings(run.PriceWarnings)
	for _, w := range run.EmissionWarnings {
		fmt.Printf("emissions: %s: %v\n", w.ProductID, w.Err)
	}
	fmt.Println()
}

func printWarnings(warnings []billing.PriceChangeWarning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Println("\n=== Price Changes ===")
	for _, w := range warnings {
		fmt.Println(w.String())
	}
}
