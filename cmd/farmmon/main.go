package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/farmmon/internal/duckdb"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	runCmd := func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runMonitor(cmd.Context(), cfg)
	}

	root := &cobra.Command{
		Use:           "farmmon",
		Short:         "Farm monitor and Prometheus exporter",
		Long:          "farmmon collects farming node status, exports it as Prometheus metrics and records every event in DuckDB.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.config/farmmon/config.yml)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start collectors, the exporter and the event store (default)",
		RunE:  runCmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending event store migrations and print the schema status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runMigrate(cmd.Context(), cmd, cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "farmmon - farm monitor\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	})

	return root
}

// runMigrate opens the store without auto-migration, applies pending
// migrations and prints the history.
func runMigrate(ctx context.Context, cmd *cobra.Command, cfg appConfig) error {
	store, err := duckdb.NewStore(cfg.DBPath, duckdb.Options{QueryTimeout: cfg.QueryTimeout})
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	runner := store.Migrator()
	applied, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	current, pending, err := runner.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	history, err := runner.History(ctx)
	if err != nil {
		return fmt.Errorf("reading migration history: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Event store: %s\n", cfg.DBPath)
	fmt.Fprintf(out, "Applied now: %d, schema version: %d, pending: %d\n", applied, current, pending)
	for _, h := range history {
		fmt.Fprintf(out, "  %03d  %-28s %s\n", h.Version, h.Name, h.AppliedAt.Local().Format(time.DateTime))
	}
	return nil
}
