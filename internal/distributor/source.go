package distributor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/events"
	"github.com/ChuLiYu/jobdist/internal/jobmanager"
	"github.com/ChuLiYu/jobdist/internal/storage/wal"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ============================================================================
// worker.JobSource implementation
// ============================================================================

var _ worker.JobSource = (*Distributor)(nil)

// ErrStaleResult is returned for a result that does not match the job's
// current claim, e.g. from a worker that outlived a master restart. A
// claim is identified by attempt and worker: recovery refunds the attempt,
// so the attempt number alone repeats.
var ErrStaleResult = errors.New("stale attempt result")

// Poll claims up to maxJobs jobs for workerID. Each claim is logged before
// the job leaves the queue.
func (d *Distributor) Poll(ctx context.Context, workerID string, maxJobs int) ([]*types.Job, error) {
	if d.Err() != nil {
		return nil, worker.ErrDrained
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.jobs.Drained() {
		return nil, worker.ErrDrained
	}

	jobs := make([]*types.Job, 0, maxJobs)
	for len(jobs) < maxJobs {
		head, ok := d.jobs.Peek()
		if !ok {
			break
		}
		if _, err := d.wal.Append(wal.Event{Type: wal.EventClaim, JobID: head.ID, WorkerID: workerID}); err != nil {
			d.Abort(fmt.Errorf("append CLAIM event: %w", err))
			break
		}
		if err := d.jobs.Start(head.ID, workerID); err != nil {
			return jobs, err
		}
		job, _ := d.jobs.Get(head.ID)
		jobs = append(jobs, &job)
	}
	d.touch(worker.NodeOf(workerID), -1)

	if len(jobs) > 0 {
		d.updateGauges()
	}
	return jobs, nil
}

// Acknowledge applies the outcome of one attempt:
//
//	success                      -> Succeeded
//	output failure               -> Failed (aborts with fail-fast)
//	fail_retry, trials left      -> Pending, back of the queue
//	anything else                -> Failed
func (d *Distributor) Acknowledge(ctx context.Context, res *worker.Result) error {
	d.mu.Lock()

	job, ok := d.jobs.Get(res.JobID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, res.JobID)
	}
	if err := CheckClaim(job, res); err != nil {
		d.mu.Unlock()
		return err
	}

	if d.metrics != nil {
		d.metrics.RecordAttempt(res.Status, res.Duration.Seconds())
	}

	next := jobmanager.Next(job, res.Status)
	if res.OutputError {
		next = types.StatusFailed
	}
	reason := res.ErrorString()
	if next == types.StatusFailed && res.Status.Retryable() {
		reason = fmt.Sprintf("trials exhausted after %d attempts: %s", job.Attempt, reason)
	}

	var err error
	switch next {
	case types.StatusSucceeded:
		err = d.transition(wal.Event{Type: wal.EventSucceed, JobID: job.ID, Status: res.Status}, func() error {
			return d.jobs.Succeed(job.ID)
		})
	case types.StatusPending:
		err = d.transition(wal.Event{Type: wal.EventRetry, JobID: job.ID, Status: res.Status, Reason: reason}, func() error {
			return d.jobs.Requeue(job.ID, res.Status, reason)
		})
	default:
		err = d.transition(wal.Event{Type: wal.EventFail, JobID: job.ID, Status: res.Status, Reason: reason}, func() error {
			return d.jobs.Fail(job.ID, res.Status, reason)
		})
	}
	final, _ := d.jobs.Get(job.ID)
	d.updateGauges()
	d.mu.Unlock()

	if err != nil {
		d.Abort(err)
		return err
	}

	d.record(final, res)
	return nil
}

// CheckClaim returns ErrStaleResult unless res belongs to the claim job is
// currently running under.
func CheckClaim(job types.Job, res *worker.Result) error {
	if job.Status != types.StatusRunning || job.Attempt != res.Attempt || job.WorkerID != res.WorkerID {
		return fmt.Errorf("%w: %s attempt %d by %q, job is %s at attempt %d by %q",
			ErrStaleResult, res.JobID, res.Attempt, res.WorkerID, job.Status, job.Attempt, job.WorkerID)
	}
	return nil
}

// transition logs ev, then applies it. Expects d.mu held.
func (d *Distributor) transition(ev wal.Event, applyFn func() error) error {
	if _, err := d.wal.Append(ev); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	return applyFn()
}

// record updates metrics, logs and publishes after a transition.
func (d *Distributor) record(job types.Job, res *worker.Result) {
	log := d.logger.With(
		zap.String("job_id", string(job.ID)),
		zap.String("worker_id", res.WorkerID),
		zap.Int("attempt", job.Attempt))

	switch job.Status {
	case types.StatusSucceeded:
		if d.metrics != nil {
			d.metrics.RecordSucceeded()
		}
		log.Debug("job succeeded", zap.Duration("duration", res.Duration))
	case types.StatusPending:
		if d.metrics != nil {
			d.metrics.RecordRetry()
		}
		log.Debug("job requeued", zap.String("status", string(res.Status)))
		return
	case types.StatusFailed:
		if d.metrics != nil {
			d.metrics.RecordFailed(res.Status)
		}
		log.Warn("job failed", zap.String("status", string(res.Status)), zap.String("reason", job.Error))
	}

	if res.OutputError {
		if d.metrics != nil {
			d.metrics.RecordOutputError()
		}
		if d.cfg.FailFastOnOutputError {
			d.Abort(fmt.Errorf("%w: job %s: %s", types.ErrIO, job.ID, res.ErrorString()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.publisher.Publish(ctx, events.FromJob(d.cfg.RunID, &job)); err != nil {
		log.Warn("publish job event failed", zap.Error(err))
	}
}

// Heartbeat records a worker node's load.
func (d *Distributor) Heartbeat(_ context.Context, nodeID string, load int) error {
	d.touch(nodeID, load)
	return nil
}

// touch marks a node alive. A negative load keeps the last reported one.
func (d *Distributor) touch(nodeID string, load int) {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()
	w, ok := d.workers[nodeID]
	if !ok {
		w = &WorkerInfo{NodeID: nodeID}
		d.workers[nodeID] = w
	}
	if load >= 0 {
		w.Load = load
	}
	w.LastSeen = time.Now()
}

// ExpireWorkers returns the running jobs of nodes silent since before
// now-WorkerTTL to the front of the queue and reports how many it took
// back. A node is silent when neither its heartbeat nor its last poll nor
// the claim itself is recent enough.
func (d *Distributor) ExpireWorkers(now time.Time) (int, error) {
	if d.cfg.WorkerTTL <= 0 {
		return 0, nil
	}
	deadline := now.Add(-d.cfg.WorkerTTL)

	d.workersMu.Lock()
	lastSeen := make(map[string]time.Time, len(d.workers))
	for id, w := range d.workers {
		lastSeen[id] = w.LastSeen
	}
	d.workersMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// each recovery prepends, so go newest first to keep queue order
	running := d.jobs.Jobs(types.StatusRunning)
	slices.SortFunc(running, func(a, b types.Job) int { return cmp.Compare(b.QueueSeq, a.QueueSeq) })

	expired := 0
	for _, job := range running {
		node := worker.NodeOf(job.WorkerID)
		seen := lastSeen[node]
		if claimed := time.UnixMilli(job.UpdatedAt); claimed.After(seen) {
			seen = claimed
		}
		if seen.After(deadline) {
			continue
		}

		ev := wal.Event{Type: wal.EventRecover, JobID: job.ID, WorkerID: job.WorkerID}
		if err := d.transition(ev, func() error { return d.jobs.Recover(job.ID) }); err != nil {
			d.Abort(err)
			return expired, err
		}
		expired++
		d.logger.Warn("took back job from silent worker",
			zap.String("job_id", string(job.ID)),
			zap.String("worker_id", job.WorkerID),
			zap.Time("last_seen", seen))
	}
	if expired > 0 {
		d.recovered.Add(int64(expired))
		d.updateGauges()
	}
	return expired, nil
}
