package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/config"
	"github.com/ChuLiYu/jobdist/internal/distributor"
	"github.com/ChuLiYu/jobdist/internal/output"
	"github.com/ChuLiYu/jobdist/internal/protocol"
	"github.com/ChuLiYu/jobdist/internal/redisqueue"
	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/internal/storage/wal"
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the job status of the last run",
		Long: `Rebuild the job table from the snapshot and WAL in state_dir (or read
the Redis queue) and print a summary. The state files are not modified, so
status is safe to run next to a live run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}

			var report distributor.Report
			if cfg.Queue.Type == "redis" {
				q, err := redisqueue.New(cfg.Queue.Redis.URL, cfg.Queue.Redis.Prefix, "", zap.NewNop())
				if err != nil {
					return err
				}
				defer q.Close()
				if report, err = q.Report(cmd.Context()); err != nil {
					return err
				}
			} else {
				report, err = distributor.Inspect(cfg.Distributor.WALPath(), cfg.Distributor.SnapshotPath())
				if err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\nstate:  %s\n", opts.configFile, cfg.Distributor.StateDir)
			return report.Write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// ============================================================================
// info / template
// ============================================================================

func buildInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info [type]",
		Short: "List registered movers, filters and outputters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.NewWithBuiltins()
			if len(args) == 1 {
				return describeType(cmd.OutOrStdout(), reg, args[0])
			}
			return listTypes(cmd.OutOrStdout(), reg)
		},
	}
}

func listTypes(w io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Movers:")
	for _, e := range reg.Movers() {
		fmt.Fprintf(tw, "  %s\t%s\n", e.Name, e.Description)
	}
	fmt.Fprintln(tw, "Filters:")
	for _, e := range reg.Filters() {
		fmt.Fprintf(tw, "  %s\t%s\n", e.Name, e.Description)
	}
	fmt.Fprintln(tw, "Outputters:")
	for _, name := range output.NewDefaultFactory().Names() {
		fmt.Fprintf(tw, "  %s\t\n", name)
	}
	return tw.Flush()
}

func describeType(w io.Writer, reg *registry.Registry, name string) error {
	kind := "mover"
	e, ok := reg.MoverEntry(name)
	if !ok {
		kind = "filter"
		e, ok = reg.FilterEntry(name)
	}
	if !ok {
		return fmt.Errorf("no mover or filter named %q (see \"jobdist info\")", name)
	}

	fmt.Fprintf(w, "%s (%s)\n", e.Name, kind)
	if e.Description != "" {
		fmt.Fprintf(w, "  %s\n", e.Description)
	}
	if len(e.MoverRefs) > 0 {
		fmt.Fprintf(w, "  mover references:  %s\n", strings.Join(e.MoverRefs, ", "))
	}
	if len(e.FilterRefs) > 0 {
		fmt.Fprintf(w, "  filter references: %s\n", strings.Join(e.FilterRefs, ", "))
	}
	return nil
}

func buildTemplateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "template",
		Short: "Print an example protocol file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), protocol.Template)
			return err
		},
	}
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(opts *options) *cobra.Command {
	var file string
	walPath := func() (string, error) {
		if file != "" {
			return file, nil
		}
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			return "", err
		}
		return cfg.Distributor.WALPath(), nil
	}

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "WAL file (default: <state_dir>/jobs.wal)")

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every event",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath()
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count events per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath()
			if err != nil {
				return err
			}
			counts, err := wal.CountEvents(path)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(counts))
			for t := range counts {
				names = append(names, string(t))
			}
			sort.Strings(names)
			for _, t := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %d\n", t, counts[wal.EventType(t)])
			}
			return nil
		},
	})
	return cmd
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
