package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pipeline"
)

var (
	statementFile string
	ackUnpaid     []string
	ackOversold   []string
)

// closeCmd represents the close command.
var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close a period",
	Long: `Close a period: write bills, the ledger exports and the members and
products tables of the next period.

This command:
1. Reconciles quantities and computes bills
2. Matches the bank statement; unresolved payments stop the close
3. Books the period into the ledger
4. Writes every output and archives the accounted sheets

Closing a closed period again must reproduce the same bills and ledger.

Example:
  tagtrail close --period 2024-01-31
  tagtrail close --period 2024-01-31 --ack-unpaid MAX --ack-oversold reis`,
	Run: runClose,
}

func init() {
	closeCmd.Flags().StringVar(&statementFile, "statement", "", "bank statement (default is input/statement.csv of the period)")
	closeCmd.Flags().StringArrayVar(&ackUnpaid, "ack-unpaid", nil, "accept that a member has not paid (repeatable)")
	closeCmd.Flags().StringArrayVar(&ackOversold, "ack-oversold", nil, "accept that a product sold more than expected (repeatable)")
	closeCmd.Flags().StringArrayVar(&ackPrices, "ack-price", nil, "acknowledge the price change of a product (repeatable)")
}

func runClose(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	for kind, subjects := range map[db.AckKind][]string{
		db.AckUnpaid:   ackUnpaid,
		db.AckOversold: ackOversold,
		db.AckPrice:    ackPrices,
	} {
		err := e.period.Acknowledge(kind, subjects...)
		exitOnError(err, "failed to record acknowledgments")
	}

	summary, err := e.period.Close(context.Background(), statementFile)
	if errors.Is(err, pipeline.ErrUnresolvedReconciliation) {
		fmt.Fprintln(os.Stderr, "The bank statement is not fully resolved. Assign the transactions")
		fmt.Fprintln(os.Stderr, "in input/bankAssignments.csv or acknowledge unpaid members with --ack-unpaid.")
	}
	exitOnError(err, "failed to close period")

	printBills(summary.Run)
	printBankReport(summary.Bank)

	fmt.Println("=== Ledger ===")
	fmt.Printf("Transactions:  %d\n", len(summary.Ledger.Transactions))
	fmt.Printf("New accounts:  %d\n", len(summary.Accounts))
	fmt.Printf("Bills digest:  %s\n", summary.Record.BillsDigest)
	fmt.Printf("Ledger digest: %s\n", summary.Record.LedgerDigest)
	if summary.Reclosed {
		fmt.Println("Period was closed before, outputs unchanged")
	}
	fmt.Println()
}
