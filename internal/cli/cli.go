// ============================================================================
// jobdist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and the setup shared by the commands
//
// Command Structure:
//   jobdist                        # Root command
//   ├── run                        # Run a job list to completion
//   │   ├── --jobs, -j             # Job list (overrides jobs_file)
//   │   └── --resume               # Keep the state of an interrupted run
//   ├── serve                      # Master: distributor + gRPC server
//   ├── worker                     # Worker pool against a remote queue
//   ├── status [--json]            # Job table from snapshot + WAL
//   ├── info [type]                # Registered movers, filters, outputters
//   ├── template                   # Print an example protocol
//   ├── wal dump | stats           # Print or count the WAL events
//   ├── --config, -c               # Config file (default: jobdist.yaml)
//   └── --version
//
// Exit status:
//   0 when the run drained, even if some jobs failed
//   1 on any error, including an interrupt that left jobs unfinished
//   2 on a panic (cmd/jobdist)
//
// Signal Handling:
//   SIGINT/SIGTERM cancel the run context. Workers stop polling, attempts in
//   progress finish and are acknowledged, then the final snapshot is taken.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/config"
	"github.com/ChuLiYu/jobdist/internal/logging"
	"github.com/ChuLiYu/jobdist/internal/output"
	"github.com/ChuLiYu/jobdist/internal/protocol"
	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/internal/worker"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

// options holds the flags shared by all commands.
type options struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "jobdist",
		Short: "jobdist: run mover protocols over batches of jobs",
		Long: `jobdist runs a list of jobs, each applying a mover protocol to one
input structure, with:
- per-job retry budgets (max_trials)
- WAL + snapshot recovery of the job table
- local, Redis or gRPC distribution to worker pools
- file, score, S3 or database outputs`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "jobdist.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildInfoCommand())
	rootCmd.AddCommand(buildTemplateCommand())
	rootCmd.AddCommand(buildWALCommand(opts))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := BuildCLI()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// ============================================================================
// Shared setup
// ============================================================================

// app is what every run-like command builds from the config file.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	runID     string
	registry  *registry.Registry
	protocols *protocol.Library
}

func newApp(opts *options) (*app, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger = logging.WithRun(logger, runID)

	reg := registry.NewWithBuiltins()
	lib, err := protocol.LoadLibrary(reg, cfg.BaseDir, cfg.Protocols)
	if err != nil {
		return nil, err
	}
	logger.Info("protocols loaded", zap.Strings("protocols", lib.Names()))

	return &app{cfg: cfg, logger: logger, runID: runID, registry: reg, protocols: lib}, nil
}

// executor builds the attempt executor and the outputter it commits to.
// The caller closes the outputter.
func (a *app) executor(ctx context.Context) (*worker.Executor, output.Outputter, error) {
	out, err := output.NewDefaultFactory().Create(ctx, a.cfg.Output, a.logger)
	if err != nil {
		return nil, nil, err
	}
	loader := structure.NewSourceLoader(a.cfg.InputDir)
	return worker.NewExecutor(loader, a.protocols, out, a.logger), out, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "." + uuid.NewString()[:8]
}
