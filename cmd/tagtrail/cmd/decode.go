package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/recognition"
)

// decodeCmd represents the decode command.
var decodeCmd = &cobra.Command{
	Use:   "decode [scan]...",
	Short: "Decode photographed sheets and ingest the readings",
	Long: `Decode photographed tag sheets of a period.

This command:
1. Splits every scan into its sheets and cells
2. Reads the sheet header and every cell with the recognition service
3. Stores the readings; confident, consistent cells are confirmed right away
4. Queues sheets with a bad layout or unreadable header for a new photograph

Without arguments all images in the period's scans directory are decoded.

Example:
  tagtrail decode --period 2024-01-31
  tagtrail decode --period 2024-01-31 scans/IMG_0001.jpg`,
	Run: runDecode,
}

var scanExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func runDecode(cmd *cobra.Command, args []string) {
	e := loadEnv(true)
	defer e.Close()

	if err := e.cfg.Validate([]string{"recognizer", "apiUrl"}); err != nil {
		exitOnError(err, "invalid configuration")
	}

	scans := args
	if len(scans) == 0 {
		dir, err := e.paths.GetScansDir(period)
		exitOnError(err, "failed to get scans directory")
		entries, err := os.ReadDir(dir)
		exitOnError(err, "failed to list scans")
		for _, entry := range entries {
			if !entry.IsDir() && scanExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				scans = append(scans, filepath.Join(dir, entry.Name()))
			}
		}
		sort.Strings(scans)
	}
	if len(scans) == 0 {
		fmt.Println("No scans to decode")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	recognizer := recognition.NewHTTPClient(e.cfg.Recognizer.APIURL, e.cfg.Recognizer.AccessToken, e.cfg.Recognizer.Timeout)
	summary, err := e.period.Decode(ctx, recognizer, scans)
	exitOnError(err, "failed to decode scans")

	fmt.Println("\n=== Decoded Sheets ===")
	for _, sheet := range summary.Ingested {
		fmt.Printf("%-20s %-10s %d pending\n", sheet.ID, sheet.Status, len(sheet.Pending()))
	}
	for _, id := range summary.Unchanged {
		fmt.Printf("%-20s already confirmed, unchanged\n", id)
	}
	if len(summary.Rephoto) > 0 {
		fmt.Println("\n=== Photograph Again ===")
		for _, req := range summary.Rephoto {
			fmt.Printf("%s sheet %d: %s\n", req.Source, req.Position, req.Reason)
		}
	}
	fmt.Println()

	slog.Info("Decode completed", "ingested", len(summary.Ingested), "rephoto", len(summary.Rephoto))
}
