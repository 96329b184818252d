package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/pipeline"
)

var reportFile string

// reconcileCmd represents the reconcile command.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile sold tags against the counted inventory",
	Long: `Count the new tags of every product and compare the expected
quantity with the counted inventory.

Fails while any sheet still has pending cells.

Example:
  tagtrail reconcile --period 2024-01-31
  tagtrail reconcile --period 2024-01-31 --report inventory.xlsx`,
	Run: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reportFile, "report", "", "write the reconciliation workbook to this path")
}

func runReconcile(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	in, err := e.period.LoadInputs()
	exitOnError(err, "failed to load period inputs")

	result, err := e.period.Reconcile(in)
	exitOnError(err, "failed to reconcile")

	fmt.Println("\n=== Sold ===")
	for _, p := range result.Products.Products {
		if sold := result.Sold(p.ID); sold > 0 {
			fmt.Printf("%-20s %d\n", p.ID, sold)
		}
	}

	fmt.Println("\n=== Inventory Differences ===")
	notable := 0
	for _, d := range result.Differences {
		if !d.Notable {
			continue
		}
		notable++
		fmt.Printf("%-20s expected %d, counted %d (%+d)\n", d.Product.ID, d.Expected, d.Inventory, d.Difference)
	}
	if notable == 0 {
		fmt.Println("(none)")
	}
	fmt.Println()

	if reportFile != "" {
		err = pipeline.Report(period, &pipeline.BillRun{Inputs: in, Reconcile: result}, nil).Save(reportFile)
		exitOnError(err, "failed to write report")
		fmt.Printf("Report written to %s\n", reportFile)
	}
}
