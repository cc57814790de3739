package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	_ "time/tzdata"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesm/spendtrace/internal/config"
	"github.com/wesm/spendtrace/internal/logging"
	"github.com/wesm/spendtrace/internal/store"
	"github.com/wesm/spendtrace/internal/store/postgres"
	"github.com/wesm/spendtrace/internal/store/sqlite"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spendtrace",
		Short: "Session reconstruction and analytics over an LLM spend log",
		Long: `spendtrace reads the request log written by an LLM proxy,
groups requests into sessions, and reports usage, latency and cost.

Running spendtrace with no subcommand starts the HTTP server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	config.RegisterStoreFlags(root.PersistentFlags())
	config.RegisterServeFlags(root.Flags())

	root.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
		newAnalyticsCmd(),
		newRequestsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(),
				"spendtrace %s (commit %s, built %s)\n",
				version, commit, buildDate)
		},
	}
}

// loadConfig layers cmd's explicitly-set flags over the file and
// environment, then configures logging. The returned func flushes
// the log file.
func loadConfig(cmd *cobra.Command) (config.Config, func() error, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return cfg, nil, fmt.Errorf("loading config: %w", err)
	}
	closeLog, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, closeLog, nil
}

// openStore connects to the configured spend log.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.MaxConns),
			Table:    cfg.Table,
		})
		if err != nil {
			return nil, err
		}
		log.WithField("driver", cfg.Driver).Debug("store opened")
		return st, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"driver": cfg.Driver,
			"path":   cfg.SQLitePath,
		}).Debug("store opened")
		return st, nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
