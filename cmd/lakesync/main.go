package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/server"
	lsync "github.com/ajitpratap0/lakesync/internal/sync"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "lakesync",
		Short: "lakesync - relational to search index synchronization",
		Long: `lakesync mirrors tables of a relational database into a search index,
embedding associated rows into each document and resuming from per-table
watermarks so every run only moves what changed.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newVersionCommand(),
		newSyncCommand(flags),
		newServeCommand(flags),
		newMappingsCommand(flags),
		newWatermarksCommand(flags),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lakesync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newSyncCommand(flags *globalFlags) *cobra.Command {
	var tables []string
	var resync bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Sync every configured table, or only the ones named with --table.
With --resync the watermarks of the named tables are dropped first.

Example:
  lakesync sync --config lakesync.yaml --table Ticket --table Label`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resync && len(tables) == 0 {
				return fmt.Errorf("--resync needs at least one --table")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var summary lsync.Summary
			switch {
			case resync:
				start := time.Now()
				for _, table := range tables {
					res, err := a.orch.Resync(ctx, table)
					if err != nil {
						return err
					}
					summary.Results = append(summary.Results, res)
					if res.Failed() {
						summary.FailedTables = append(summary.FailedTables, table)
					}
				}
				summary.Duration = time.Since(start)
			case len(tables) > 0:
				summary = a.orch.SyncTables(ctx, tables)
			default:
				summary = a.orch.SyncAll(ctx)
			}

			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if len(summary.FailedTables) > 0 {
				return fmt.Errorf("%d of %d tables failed: %v",
					len(summary.FailedTables), len(summary.Results), summary.FailedTables)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "Table to sync (repeatable); all configured tables when omitted")
	cmd.Flags().BoolVar(&resync, "resync", false, "Reset the watermarks of the named tables before syncing")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and optionally sync on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := server.Config{
				Addr:         a.cfg.Server.Addr,
				SyncInterval: a.cfg.Server.SyncInterval,
				ServiceName:  "lakesync",
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("interval") {
				cfg.SyncInterval = interval
			}

			a.log.Info("starting server",
				zap.String("addr", cfg.Addr),
				zap.Duration("sync_interval", cfg.SyncInterval))
			return server.New(a.orch, cfg, a.log).Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Run a full sync at this interval (e.g. 5m); 0 disables scheduling")
	return cmd
}

func newMappingsCommand(flags *globalFlags) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Print the index mapping generated for a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.orch.Mapping(cmd.Context(), table)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"index":    a.orch.IndexFor(table),
				"mappings": m.Body(),
			})
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "Source table (required)")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func newWatermarksCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Inspect or reset per-table watermarks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			wms, err := a.orch.Watermarks(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wms)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset TABLE",
		Short: "Drop the watermark of a table so its next sync starts over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.watermarks.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watermark of %s reset\n", args[0])
			return nil
		},
	})

	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Compile-time check that the orchestrator satisfies the server's engine.
var _ server.Engine = (*lsync.Orchestrator)(nil)
