package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/review"
)

var (
	decisionsFile   string
	dismissSource   string
	dismissPosition int
	dismissReason   string
)

// reviewCmd represents the review command.
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Confirm pending cells of decoded sheets",
	Long: `Confirm, reject or exclude what the recognition could not settle.

Decisions come either from the review API or from a decisions file.`,
}

var reviewServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the review decision API",
	Long: `Serve the review decision API of a period until interrupted.

Requests must carry the REVIEW_TOKEN as a bearer token when it is set.

Example:
  tagtrail review serve --period 2024-01-31`,
	Run: runReviewServe,
}

var reviewApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply decisions from a CSV file",
	Long: `Apply cell decisions from a CSV file with the columns cellId and value.

Example:
  tagtrail review apply --period 2024-01-31
  tagtrail review apply --period 2024-01-31 --file decisions.csv`,
	Run: runReviewApply,
}

var reviewDismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Dismiss a sheet position queued for a new photograph",
	Long: `Dismiss a queued position that will not be photographed again, for
example a blank sheet or a photograph taken twice. Queued positions block
reconciliation until they are photographed again or dismissed.

Example:
  tagtrail review dismiss --period 2024-01-31 --source scans/IMG_0001.jpg --position 2 --reason "blank sheet"`,
	Run: runReviewDismiss,
}

func init() {
	reviewApplyCmd.Flags().StringVar(&decisionsFile, "file", "", "decisions file (default is input/decisions.csv of the period)")
	reviewDismissCmd.Flags().StringVar(&dismissSource, "source", "", "scan file of the queued position")
	reviewDismissCmd.Flags().IntVar(&dismissPosition, "position", 0, "sheet position inside the scan")
	reviewDismissCmd.Flags().StringVar(&dismissReason, "reason", "", "why the position is dismissed")
	_ = reviewDismissCmd.MarkFlagRequired("source")
	_ = reviewDismissCmd.MarkFlagRequired("reason")

	reviewCmd.AddCommand(reviewServeCmd)
	reviewCmd.AddCommand(reviewApplyCmd)
	reviewCmd.AddCommand(reviewDismissCmd)
}

func runReviewServe(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	in, err := e.period.LoadInputs()
	exitOnError(err, "failed to load period inputs")

	if e.cfg.Review.Token == "" {
		slog.Warn("REVIEW_TOKEN is not set, the review API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := review.NewHandler(e.store, e.period.Policy(in.Members), period, slog.Default())
	err = review.Serve(ctx, e.cfg.Review.Addr, handler.Router(e.cfg.Review.Token), slog.Default())
	exitOnError(err, "review server failed")
}

func runReviewApply(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	path := decisionsFile
	if path == "" {
		var err error
		path, err = e.paths.GetInputPath(period, pathutil.DecisionsFile)
		exitOnError(err, "failed to get decisions path")
	}

	in, err := e.period.LoadInputs()
	exitOnError(err, "failed to load period inputs")

	decisions, err := review.ReadDecisions(path)
	exitOnError(err, "failed to read decisions")

	applied, err := review.Apply(e.store, period, e.period.Policy(in.Members), decisions)
	fmt.Printf("Applied %d of %d decisions\n", applied, len(decisions))
	exitOnError(err, "some decisions were rejected")
}

func runReviewDismiss(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	err := e.store.DismissRephoto(period, dismissSource, dismissPosition)
	exitOnError(err, "failed to dismiss rephoto request")

	slog.Info("Dismissed rephoto request", "source", dismissSource, "position", dismissPosition, "reason", dismissReason)
	fmt.Printf("Dismissed %s sheet %d\n", dismissSource, dismissPosition)
}
