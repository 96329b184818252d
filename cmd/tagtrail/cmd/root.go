// Package cmd provides CLI commands for tagtrail.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/emissions"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pipeline"
)

var (
	cfgFile string
	debug   bool
	period  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tagtrail",
	Short: "Turn photographed tag sheets into member bills and a balanced ledger",
	Long: `tagtrail reads the tag sheets of a cooperative store, bills every member
for the tags they detached and books the period into a double-entry ledger.

A period goes through these steps:
- decode photographed sheets and confirm the readings
- reconcile sold and counted quantities
- compute bills and match the bank statement
- close the period: write bills, ledger and next period's tables

Example:
  tagtrail decode --period 2024-01-31 scans/*.jpg
  tagtrail review serve --period 2024-01-31
  tagtrail close --period 2024-01-31`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logging
		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&period, "period", "", "accounting date of the period (YYYY-MM-DD)")

	// Add subcommands
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(billCmd)
	rootCmd.AddCommand(bankimportCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statsCmd)
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}

// env is what every period command needs.
type env struct {
	cfg      *config.Config
	settings config.Settings
	paths    *pathutil.PathResolver
	store    *confirmation.Store
	conn     *db.Connection
	period   *pipeline.Period
}

func (e *env) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			slog.Warn("Failed to close state store", "error", err)
		}
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}
}

// loadEnv loads configuration and settings and opens the stores.
// The pipeline period is only set up when --period is given.
func loadEnv(requirePeriod bool) *env {
	slog.Info("Loading configuration")

	cfg, err := config.Load(cfgFile)
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate(
		[]string{"tagtrail", "root"},
		[]string{"tagtrail", "settingsPath"},
	); err != nil {
		exitOnError(err, "invalid configuration")
	}

	settings, err := config.LoadSettings(cfg.Tagtrail.SettingsPath)
	exitOnError(err, "failed to load settings")

	e := &env{
		cfg:      cfg,
		settings: settings,
		paths: pathutil.New(pathutil.Config{
			Root:         cfg.Tagtrail.Root,
			DatabasePath: cfg.Tagtrail.DBPath,
			StatePath:    cfg.Tagtrail.StatePath,
		}),
	}

	dbPath := e.paths.GetDatabasePath()
	slog.Debug("Opening database", "path", dbPath)
	e.conn, err = db.Open(dbPath)
	exitOnError(err, "failed to open database")

	if !requirePeriod && period == "" {
		return e
	}
	if period == "" {
		e.Close()
		exitOnError(errors.New("--period is required"), "invalid arguments")
	}

	statePath := e.paths.GetStatePath()
	if err := e.paths.EnsureParentDir(statePath); err != nil {
		e.Close()
		exitOnError(err, "failed to create state directory")
	}
	slog.Debug("Opening state store", "path", statePath)
	e.store, err = confirmation.Open(statePath)
	if err != nil {
		e.Close()
		exitOnError(err, "failed to open state store")
	}

	var lookup emissions.Lookup
	if settings.Gen.EmissionsTable != "" {
		table, err := emissions.LoadTable(settings.Gen.EmissionsTable)
		if err != nil {
			e.Close()
			exitOnError(err, "failed to load emissions table")
		}
		lookup = table
	}

	e.period, err = pipeline.New(period, pipeline.Options{
		Settings:  settings,
		Paths:     e.paths,
		Store:     e.store,
		History:   db.NewHistory(e.conn),
		Emissions: lookup,
		Logger:    slog.Default(),
	})
	if err != nil {
		e.Close()
		exitOnError(err, "invalid period")
	}
	return e
}
