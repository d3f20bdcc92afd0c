// ============================================================================
// jobdist Distributor - Run Coordinator
// ============================================================================
//
// Package: internal/distributor
// File: distributor.go
// Function: Owns the job table of one run and makes every transition durable
//
// Components:
//   - JobManager: FIFO queue and per-state indices
//   - WAL:        every transition is logged before it is applied
//   - Snapshot:   periodic full copy of the job table; the WAL is rotated
//                 right after, so recovery replays only the tail
//   - Metrics:    Prometheus counters and gauges
//   - Events:     terminal transitions published to an external bus
//
// Recovery (Open):
//   1. load snapshot (missing file: empty table)
//   2. replay WAL events with seq > snapshot.LastSeq
//   3. return running jobs to the front of the queue; the interrupted
//      attempt does not count against the job's trials
//   4. checkpoint, so the recovered table is the new baseline
//
// Write-ahead rule:
//   Under d.mu: append the event, then apply it to the JobManager. WAL order
//   is therefore state order, and replay reproduces the table exactly. A
//   SUCCEED lost with the WAL buffer makes the job run again at the same
//   attempt, so with the same seed. File, object and database outputs are
//   keyed by output tag and overwritten whole; the score file skips a tag it
//   already holds. The rerun is harmless.
//
// Worker expiry (WorkerTTL > 0):
//   A running job whose worker node has neither polled nor sent a heartbeat
//   for WorkerTTL is logged as RECOVER and returned to the front of the
//   queue with its attempt refunded. A late result from that claim no
//   longer matches the job's worker and is rejected as stale.
//
// Abort:
//   Abort (fail-fast on output errors, or a WAL failure) makes Poll report
//   drained. In-flight attempts still finish and are acknowledged.
//
// ============================================================================

package distributor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/events"
	"github.com/ChuLiYu/jobdist/internal/jobmanager"
	"github.com/ChuLiYu/jobdist/internal/metrics"
	"github.com/ChuLiYu/jobdist/internal/snapshot"
	"github.com/ChuLiYu/jobdist/internal/storage/wal"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ============================================================================
// Data structures
// ============================================================================

// Config tunes one distributor.
type Config struct {
	RunID            string
	WALPath          string
	SnapshotPath     string
	SnapshotInterval time.Duration // 0 disables the periodic snapshot
	WALBufferSize    int
	SyncOnAppend     bool
	// FailFastOnOutputError aborts the run on the first output failure.
	FailFastOnOutputError bool
	// Resume keeps the state found at WALPath/SnapshotPath. Without it the
	// state files are removed and the run starts empty.
	Resume bool
	// WorkerTTL is how long a node may stay silent before its running jobs
	// are taken back. 0 disables expiry.
	WorkerTTL time.Duration
}

// WorkerInfo is the last heartbeat of a worker node.
type WorkerInfo struct {
	NodeID   string    `json:"node_id"`
	Load     int       `json:"load"`
	LastSeen time.Time `json:"last_seen"`
}

// Distributor coordinates one run.
type Distributor struct {
	mu        sync.Mutex // serialises WAL append + state change
	cfg       Config
	jobs      *jobmanager.JobManager
	wal       *wal.WAL
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector
	publisher events.Publisher
	logger    *zap.Logger

	startTime time.Time
	// running jobs taken back at Open or from silent workers
	recovered atomic.Int64

	abortOnce sync.Once
	abortErr  error
	aborted   chan struct{}

	workersMu sync.Mutex
	workers   map[string]*WorkerInfo

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	closing sync.Once
}

// ============================================================================
// Construction and recovery
// ============================================================================

// Open recovers (or, without Resume, resets) the state at cfg's paths.
// collector and publisher may be nil.
func Open(cfg Config, collector *metrics.Collector, publisher events.Publisher, logger *zap.Logger) (*Distributor, error) {
	if cfg.WALPath == "" || cfg.SnapshotPath == "" {
		return nil, errors.New("distributor: WAL and snapshot paths are required")
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	logger = logger.Named("distributor").With(zap.String("run_id", cfg.RunID))

	if !cfg.Resume {
		for _, p := range []string{cfg.WALPath, cfg.WALPath + ".prev", cfg.SnapshotPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reset state: %w", err)
			}
		}
	}

	d := &Distributor{
		cfg:       cfg,
		jobs:      jobmanager.NewJobManager(),
		snapshot:  snapshot.NewManager(cfg.SnapshotPath),
		metrics:   collector,
		publisher: publisher,
		logger:    logger,
		startTime: time.Now(),
		aborted:   make(chan struct{}),
		workers:   make(map[string]*WorkerInfo),
		stopCh:    make(chan struct{}),
	}

	if err := d.recover(); err != nil {
		if d.wal != nil {
			d.wal.Close()
		}
		return nil, err
	}
	return d, nil
}

func (d *Distributor) recover() error {
	start := time.Now()

	data, err := d.snapshot.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := d.jobs.Restore(data); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	d.wal, err = wal.Open(d.cfg.WALPath, wal.Options{
		SyncOnAppend: d.cfg.SyncOnAppend,
		BufferSize:   d.cfg.WALBufferSize,
		MinSeq:       data.LastSeq,
	})
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}

	replayed := 0
	err = d.wal.Replay(data.LastSeq, func(ev wal.Event) error {
		replayed++
		return d.apply(ev)
	})
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}

	requeued := d.jobs.RecoverRunning()
	d.recovered.Store(int64(len(requeued)))

	if len(data.Jobs) > 0 || replayed > 0 {
		if err := d.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint after recovery: %w", err)
		}
	}

	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.SetRecoveryTime(elapsed.Seconds())
	}
	d.updateGauges()

	d.logger.Info("recovery completed",
		zap.Duration("duration", elapsed),
		zap.Int("snapshot_jobs", len(data.Jobs)),
		zap.Int("replayed_events", replayed),
		zap.Int("requeued_running", len(requeued)))
	return nil
}

// apply replays one logged transition. Transitions already reflected in
// the table are skipped, so replaying a tail twice is harmless.
func (d *Distributor) apply(ev wal.Event) error {
	var err error
	switch ev.Type {
	case wal.EventEnqueue:
		if ev.Job == nil {
			return fmt.Errorf("ENQUEUE event %d has no job", ev.Seq)
		}
		err = d.jobs.Enqueue(*ev.Job)
	case wal.EventClaim:
		err = d.jobs.Start(ev.JobID, ev.WorkerID)
	case wal.EventSucceed:
		err = d.jobs.Succeed(ev.JobID)
	case wal.EventRetry:
		err = d.jobs.Requeue(ev.JobID, ev.Status, ev.Reason)
	case wal.EventFail:
		err = d.jobs.Fail(ev.JobID, ev.Status, ev.Reason)
	case wal.EventRecover:
		err = d.jobs.Recover(ev.JobID)
	default:
		return fmt.Errorf("unknown WAL event type %q at seq %d", ev.Type, ev.Seq)
	}

	if errors.Is(err, jobmanager.ErrDuplicateJob) ||
		errors.Is(err, jobmanager.ErrNotPending) ||
		errors.Is(err, jobmanager.ErrNotRunning) {
		d.logger.Debug("skipping replayed event",
			zap.Uint64("seq", ev.Seq),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return nil
	}
	return err
}

// ============================================================================
// Loops
// ============================================================================

// Start launches the snapshot and worker expiry loops. They stop on Close
// or when ctx ends.
func (d *Distributor) Start(ctx context.Context) {
	if d.cfg.SnapshotInterval > 0 {
		d.loopWg.Add(1)
		go d.snapshotLoop(ctx)
	}
	if d.cfg.WorkerTTL > 0 {
		d.loopWg.Add(1)
		go d.expiryLoop(ctx)
	}
}

// expiryLoop takes back the jobs of silent worker nodes.
func (d *Distributor) expiryLoop(ctx context.Context) {
	defer d.loopWg.Done()
	ticker := time.NewTicker(max(d.cfg.WorkerTTL/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			if _, err := d.ExpireWorkers(now); err != nil {
				d.logger.Error("worker expiry failed", zap.Error(err))
			}
		}
	}
}

func (d *Distributor) snapshotLoop(ctx context.Context) {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Checkpoint(); err != nil {
				d.logger.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}

// Checkpoint writes a snapshot covering every logged event and rotates the
// WAL.
func (d *Distributor) Checkpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if err := d.wal.Flush(); err != nil {
		return fmt.Errorf("flush WAL: %w", err)
	}
	data := d.jobs.Snapshot()
	data.LastSeq = d.wal.LastSeq()
	data.RunID = d.cfg.RunID

	if err := d.snapshot.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := d.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate WAL: %w", err)
	}

	d.logger.Debug("snapshot taken",
		zap.Duration("duration", time.Since(start)),
		zap.Int("jobs", len(data.Jobs)),
		zap.Uint64("last_seq", data.LastSeq))
	return nil
}

// ============================================================================
// Public methods
// ============================================================================

// Enqueue adds jobs that are not yet known. On a resumed run, jobs from the
// list that already exist keep their recovered state; terminal ones are not
// run again. It returns the number of jobs added.
func (d *Distributor) Enqueue(jobs []*types.Job) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for _, job := range jobs {
		if _, exists := d.jobs.Get(job.ID); exists {
			continue
		}
		entry := *job
		if _, err := d.wal.Append(wal.Event{Type: wal.EventEnqueue, JobID: job.ID, Job: &entry}); err != nil {
			return added, fmt.Errorf("append ENQUEUE event: %w", err)
		}
		if err := d.jobs.Enqueue(entry); err != nil {
			return added, fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
		added++
		if d.metrics != nil {
			d.metrics.RecordEnqueue()
		}
	}
	d.updateGauges()

	if added > 0 {
		d.logger.Info("jobs enqueued", zap.Int("added", added), zap.Int("skipped", len(jobs)-added))
	}
	return added, nil
}

// Abort stops handing out jobs. The first cause is kept and returned by Err.
func (d *Distributor) Abort(cause error) {
	d.abortOnce.Do(func() {
		d.abortErr = cause
		close(d.aborted)
		d.logger.Error("run aborted", zap.Error(cause))
	})
}

// Err returns the cause of an abort, or nil.
func (d *Distributor) Err() error {
	select {
	case <-d.aborted:
		return d.abortErr
	default:
		return nil
	}
}

// Aborted is closed when the run is aborted.
func (d *Distributor) Aborted() <-chan struct{} { return d.aborted }

// Drained reports whether nothing is pending or running.
func (d *Distributor) Drained() bool { return d.jobs.Drained() }

// Job returns a copy of one job.
func (d *Distributor) Job(id types.JobID) (types.Job, bool) { return d.jobs.Get(id) }

// Jobs lists the jobs in one state, ordered by id.
func (d *Distributor) Jobs(status types.JobStatus) []types.Job { return d.jobs.Jobs(status) }

// Status is the /status document.
type Status struct {
	RunID     string        `json:"run_id"`
	Uptime    string        `json:"uptime"`
	Pending   int           `json:"pending"`
	Running   int           `json:"running"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Recovered int           `json:"recovered_running"`
	LastSeq   uint64        `json:"wal_last_seq"`
	Aborted   string        `json:"aborted,omitempty"`
	Workers   []*WorkerInfo `json:"workers,omitempty"`
}

func (d *Distributor) Status() Status {
	stats := d.jobs.Stats()
	st := Status{
		RunID:     d.cfg.RunID,
		Uptime:    time.Since(d.startTime).Round(time.Second).String(),
		Pending:   stats["pending"],
		Running:   stats["running"],
		Succeeded: stats["succeeded"],
		Failed:    stats["failed"],
		Total:     stats["total"],
		Recovered: int(d.recovered.Load()),
		LastSeq:   d.wal.LastSeq(),
	}
	if err := d.Err(); err != nil {
		st.Aborted = err.Error()
	}

	d.workersMu.Lock()
	for _, w := range d.workers {
		info := *w
		st.Workers = append(st.Workers, &info)
	}
	d.workersMu.Unlock()
	return st
}

// Close stops the loops, takes a final snapshot and closes the WAL.
func (d *Distributor) Close() error {
	var err error
	d.closing.Do(func() {
		close(d.stopCh)
		d.loopWg.Wait()

		if cerr := d.Checkpoint(); cerr != nil {
			d.logger.Error("final snapshot failed", zap.Error(cerr))
			err = cerr
		}
		if cerr := d.wal.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.logger.Info("distributor closed", zap.Any("stats", d.jobs.Stats()))
	})
	return err
}

func (d *Distributor) updateGauges() {
	if d.metrics == nil {
		return
	}
	stats := d.jobs.Stats()
	d.metrics.UpdateQueueStats(stats["pending"], stats["running"])
}
