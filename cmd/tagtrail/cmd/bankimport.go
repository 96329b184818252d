package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/bank"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pipeline"
)

// bankimportCmd represents the bankimport command.
var bankimportCmd = &cobra.Command{
	Use:   "bankimport [statement]",
	Short: "Match a bank statement against the expected payments",
	Long: `Match the credits of a bank statement against the payments the bills
of the period expect, and write the result to the report workbook.

Unresolved transactions can be assigned to members in
input/bankAssignments.csv. Without an argument input/statement.csv is read.

Example:
  tagtrail bankimport --period 2024-01-31
  tagtrail bankimport --period 2024-01-31 ~/Downloads/export.csv`,
	Args: cobra.MaximumNArgs(1),
	Run:  runBankImport,
}

func runBankImport(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	statement := ""
	if len(args) == 1 {
		statement = args[0]
	}

	run, err := e.period.ComputeBills(context.Background())
	exitOnError(err, "failed to compute bills")

	bankReport, err := e.period.BankImport(statement, run.Bills, run.Inputs.Members.IDs())
	exitOnError(err, "failed to import bank statement")

	path, err := e.paths.GetReportPath(period)
	exitOnError(err, "failed to get report path")
	err = pipeline.Report(period, run, bankReport).Save(path)
	exitOnError(err, "failed to write report")

	printBankReport(bankReport)
	fmt.Printf("Report written to %s\n", path)
}

func printBankReport(r *bank.Report) {
	fmt.Println("\n=== Bank Statement ===")
	fmt.Printf("Matched:   %d\n", len(r.Matched))
	fmt.Printf("Waived:    %d\n", len(r.Waived))
	for _, u := range r.UnmatchedTransactions {
		fmt.Printf("unmatched transaction %s %s %s: %s\n",
			u.Transaction.ID, u.Transaction.BookingDate.Format("2006-01-02"),
			money.Format(u.Transaction.Amount), u.Reason)
	}
	for _, u := range r.UnmatchedPayments {
		fmt.Printf("unpaid %s %s: %s\n",
			u.Payment.MemberID, money.FormatWithCurrency(u.Payment.Amount, u.Payment.Currency), u.Reason)
	}
	if r.Resolved() {
		fmt.Println("All payments resolved")
	}
	fmt.Println()
}
