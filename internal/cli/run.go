package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/jobdist/internal/config"
	"github.com/ChuLiYu/jobdist/internal/distributor"
	"github.com/ChuLiYu/jobdist/internal/events"
	"github.com/ChuLiYu/jobdist/internal/metrics"
	"github.com/ChuLiYu/jobdist/internal/redisqueue"
	"github.com/ChuLiYu/jobdist/internal/server"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ErrInterrupted is returned when a run is cancelled before it drained.
var ErrInterrupted = errors.New("run interrupted before all jobs finished; rerun with --resume to continue")

type runFlags struct {
	jobsFile string
	resume   bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.jobsFile, "jobs", "j", "", "job list file (overrides jobs_file)")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "keep the state of a previous run and skip its finished jobs")
}

func buildRunCommand(opts *options) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job list to completion",
		Long: `Run every job of the job list with a local worker pool.

With queue.type=redis the jobs are shared through Redis, so worker
processes started with "jobdist worker" help drain the same run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd.Context(), opts, flags, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func buildServeCommand(opts *options) *cobra.Command {
	flags := &runFlags{}
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job list to remote workers over gRPC",
		Long: `Open the distributor and hand its jobs to "jobdist worker" processes
over gRPC. The server exits once every job has finished.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveJobs(cmd.Context(), opts, flags, addr, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides queue.grpc.addr)")
	return cmd
}

func buildWorkerCommand(opts *options) *cobra.Command {
	var master string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool against a gRPC master or a Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), opts, master)
		},
	}
	cmd.Flags().StringVar(&master, "master", "", "master address (overrides queue.grpc.addr; implies queue.type=grpc)")
	return cmd
}

// ============================================================================
// run
// ============================================================================

func runJobs(ctx context.Context, opts *options, flags *runFlags, w io.Writer) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	jobs, err := a.loadJobs(flags.jobsFile)
	if err != nil {
		return err
	}

	exec, out, err := a.executor(ctx)
	if err != nil {
		return err
	}
	defer out.Close()

	switch a.cfg.Queue.Type {
	case "redis":
		return a.runRedis(ctx, jobs, exec, flags.resume, w)
	case "grpc":
		return &types.ConfigError{Component: "queue", Name: "grpc", Err: errors.New(`use "jobdist serve" and "jobdist worker" for a gRPC queue`)}
	default:
		return a.runLocal(ctx, jobs, exec, flags.resume, w)
	}
}

func (a *app) loadJobs(override string) ([]*types.Job, error) {
	path := a.cfg.JobsFile
	if override != "" {
		path = override
	}
	if path == "" {
		return nil, &types.ConfigError{Component: "config", Name: "jobs_file", Err: errors.New("no job list given")}
	}
	jobs, err := config.LoadJobs(path)
	if err != nil {
		return nil, err
	}
	if err := distributor.CheckProtocols(jobs, a.protocols); err != nil {
		return nil, err
	}
	return jobs, nil
}

// openDistributor opens the local distributor with metrics and events
// wired in. The caller closes both returned values.
func (a *app) openDistributor(resume bool, reg prometheus.Registerer) (*distributor.Distributor, events.Publisher, error) {
	publisher, err := events.New(a.cfg.Events)
	if err != nil {
		return nil, nil, err
	}

	dc := a.cfg.Distributor
	d, err := distributor.Open(distributor.Config{
		RunID:                 a.runID,
		WALPath:               dc.WALPath(),
		SnapshotPath:          dc.SnapshotPath(),
		SnapshotInterval:      dc.SnapshotInterval,
		WALBufferSize:         dc.WALBufferSize,
		SyncOnAppend:          dc.SyncOnAppend,
		WorkerTTL:             dc.WorkerTTL,
		FailFastOnOutputError: dc.FailFastOnOutputError,
		Resume:                resume || dc.Resume,
	}, metrics.NewCollector(reg), publisher, a.logger)
	if err != nil {
		publisher.Close()
		return nil, nil, err
	}
	return d, publisher, nil
}

// startStatusServer serves /metrics, /status and /healthz until ctx ends.
func (a *app) startStatusServer(ctx context.Context, gatherer prometheus.Gatherer, status metrics.StatusFunc) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(a.cfg.Metrics.Addr, gatherer, status, a.logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

func (a *app) runLocal(ctx context.Context, jobs []*types.Job, exec *worker.Executor, resume bool, w io.Writer) error {
	if err := ensureDir(a.cfg.Distributor.StateDir); err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	d, publisher, err := a.openDistributor(resume, reg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if _, err := d.Enqueue(jobs); err != nil {
		d.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Start(runCtx)
	a.startStatusServer(runCtx, reg, func() any { return d.Status() })

	pool, err := worker.NewPool(worker.PoolConfig{
		NodeID:       "local",
		Workers:      a.cfg.Distributor.Workers,
		PollInterval: a.cfg.Distributor.PollInterval,
	}, d, exec, a.logger)
	if err != nil {
		d.Close()
		return err
	}
	if err := pool.Run(runCtx); err != nil {
		d.Close()
		return err
	}

	report := d.Report()
	closeErr := d.Close()
	if err := report.Write(w); err != nil {
		return err
	}
	return runOutcome(ctx, d.Err(), report, closeErr)
}

// runOutcome turns the end state of a run into the command's error.
func runOutcome(ctx context.Context, abortErr error, report distributor.Report, closeErr error) error {
	switch {
	case abortErr != nil:
		return fmt.Errorf("run aborted: %w", abortErr)
	case closeErr != nil:
		return closeErr
	case ctx.Err() != nil && report.Pending+report.Running > 0:
		return ErrInterrupted
	}
	return nil
}

func (a *app) openRedisQueue(ctx context.Context) (*redisqueue.Queue, error) {
	rc := a.cfg.Queue.Redis
	q, err := redisqueue.New(rc.URL, rc.Prefix, a.runID, a.logger)
	if err != nil {
		return nil, err
	}
	if err := q.Ping(ctx); err != nil {
		q.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return q, nil
}

func (a *app) runRedis(ctx context.Context, jobs []*types.Job, exec *worker.Executor, resume bool, w io.Writer) error {
	q, err := a.openRedisQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	if !(resume || a.cfg.Distributor.Resume) {
		if err := q.Reset(ctx); err != nil {
			return err
		}
	}
	if _, err := q.Enqueue(ctx, jobs); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.recoverLoop(runCtx, q)
	a.startStatusServer(runCtx, prometheus.NewRegistry(), func() any {
		stats, _ := q.Stats(runCtx)
		return stats
	})

	pool, err := worker.NewPool(worker.PoolConfig{
		NodeID:            nodeID(),
		Workers:           a.cfg.Distributor.Workers,
		PollInterval:      a.cfg.Distributor.PollInterval,
		HeartbeatInterval: redisqueue.HeartbeatTTL / 2,
	}, q, exec, a.logger)
	if err != nil {
		return err
	}
	if err := pool.Run(runCtx); err != nil {
		return err
	}

	report, err := q.Report(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if err := report.Write(w); err != nil {
		return err
	}
	return runOutcome(ctx, nil, report, nil)
}

// recoverLoop returns jobs of dead worker nodes to the queue.
func (a *app) recoverLoop(ctx context.Context, q *redisqueue.Queue) {
	ticker := time.NewTicker(redisqueue.HeartbeatTTL)
	defer ticker.Stop()
	for {
		if n, err := q.RecoverStale(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("recover stale jobs failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("requeued jobs of dead workers", zap.Int("jobs", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// serve
// ============================================================================

func serveJobs(ctx context.Context, opts *options, flags *runFlags, addr string, w io.Writer) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()
	if addr == "" {
		addr = a.cfg.Queue.GRPC.Addr
	}

	jobs, err := a.loadJobs(flags.jobsFile)
	if err != nil {
		return err
	}
	if err := ensureDir(a.cfg.Distributor.StateDir); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	d, publisher, err := a.openDistributor(flags.resume, reg)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if _, err := d.Enqueue(jobs); err != nil {
		d.Close()
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Start(serveCtx)
	a.startStatusServer(serveCtx, reg, func() any { return d.Status() })
	go stopWhenFinished(serveCtx, cancel, d, a.cfg.Distributor.PollInterval)

	srv := server.NewServer(d, a.logger)
	serveErr := srv.ListenAndServe(serveCtx, addr)

	report := d.Report()
	closeErr := d.Close()
	if serveErr != nil {
		return serveErr
	}
	if err := report.Write(w); err != nil {
		return err
	}
	return runOutcome(ctx, d.Err(), report, closeErr)
}

// stopWhenFinished cancels once nothing is left to hand out or wait for.
// Workers get a few poll intervals to see the drained reply before the
// server goes away.
func stopWhenFinished(ctx context.Context, cancel context.CancelFunc, d *distributor.Distributor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := d.Status()
		if d.Drained() || (d.Err() != nil && st.Running == 0) {
			break
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(5*interval + time.Second):
	}
	cancel()
}

// ============================================================================
// worker
// ============================================================================

func runWorker(ctx context.Context, opts *options, master string) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	exec, out, err := a.executor(ctx)
	if err != nil {
		return err
	}
	defer out.Close()

	queueType := a.cfg.Queue.Type
	addr := a.cfg.Queue.GRPC.Addr
	if master != "" {
		queueType, addr = "grpc", master
	}

	var source worker.JobSource
	heartbeat := 5 * time.Second
	switch queueType {
	case "grpc":
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to master: %w", err)
		}
		defer conn.Close()
		source = worker.NewGrpcJobSource(conn)
		a.logger.Info("connected to master", zap.String("addr", addr))
	case "redis":
		q, err := a.openRedisQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()
		source = q
		heartbeat = redisqueue.HeartbeatTTL / 2
	default:
		return &types.ConfigError{Component: "queue", Name: queueType, Err: errors.New(`"jobdist worker" needs queue.type grpc or redis`)}
	}

	pool, err := worker.NewPool(worker.PoolConfig{
		NodeID:            nodeID(),
		Workers:           a.cfg.Distributor.Workers,
		PollInterval:      a.cfg.Distributor.PollInterval,
		HeartbeatInterval: heartbeat,
	}, source, exec, a.logger)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}
