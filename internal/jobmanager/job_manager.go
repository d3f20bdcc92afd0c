// ============================================================================
// Job manager - per-run job table and state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// Layout:
//   jobs map[JobID]*Job        - single source of truth, Job.Status is authoritative
//   queue []JobID              - pending jobs in FIFO order
//   running/succeeded/failed   - status indices sharing the same *Job pointers
//
// State machine:
//   Pending --Claim--> Running --Succeed--> Succeeded
//                         |----Fail-----> Failed
//                         |----Requeue--> Pending (back of the queue)
//   Running --RecoverRunning--> Pending (front, trial refunded)
//
// Attempt is incremented by Claim, so Attempt is the number of attempts
// started. Next decides where a finished attempt goes.
//
// Concurrency: one RWMutex guards all structures. Claim pops and marks in
// one critical section, so two callers never receive the same job.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrNotRunning   = errors.New("job not running")
	ErrJobNotFound  = errors.New("job not found")
	ErrNotPending   = errors.New("job not pending")
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// JobManager owns the job table of one run.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*types.Job
	queue     []types.JobID
	running   map[types.JobID]*types.Job
	succeeded map[types.JobID]*types.Job
	failed    map[types.JobID]*types.Job
	seq       uint64
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		queue:     make([]types.JobID, 0),
		running:   make(map[types.JobID]*types.Job),
		succeeded: make(map[types.JobID]*types.Job),
		failed:    make(map[types.JobID]*types.Job),
	}
}

// Next returns the state a running job moves to after an attempt ended
// with status. It does not change anything.
func Next(job types.Job, status types.MoverStatus) types.JobStatus {
	switch {
	case status == types.MoverSuccess:
		return types.StatusSucceeded
	case status.Retryable() && job.TrialsLeft():
		return types.StatusPending
	default:
		return types.StatusFailed
	}
}

// Enqueue adds a new job at the back of the queue.
//
// A MaxTrials below 1 is raised to 1.
// Returns ErrDuplicateJob when the ID is already known, in any state.
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	now := time.Now().UnixMilli()
	if job.MaxTrials < 1 {
		job.MaxTrials = 1
	}
	job.Status = types.StatusPending
	job.Attempt = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	jm.seq++
	job.QueueSeq = jm.seq

	jm.jobs[job.ID] = &job
	jm.queue = append(jm.queue, job.ID)
	return nil
}

// Claim pops the head of the queue, marks it running for workerID and
// starts a new attempt. It returns a copy of the job, or false when
// nothing is pending.
func (jm *JobManager) Claim(workerID string) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.queue) == 0 {
		return types.Job{}, false
	}
	id := jm.queue[0]
	jm.queue = jm.queue[1:]

	job := jm.jobs[id]
	jm.start(job, workerID)
	return *job, true
}

// Peek returns a copy of the job at the head of the queue.
func (jm *JobManager) Peek() (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if len(jm.queue) == 0 {
		return types.Job{}, false
	}
	return *jm.jobs[jm.queue[0]], true
}

// Start claims a specific pending job. WAL replay uses it to repeat a
// claim that was logged before a crash.
func (jm *JobManager) Start(id types.JobID, workerID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, job.Status)
	}

	if i := slices.Index(jm.queue, id); i >= 0 {
		jm.queue = slices.Delete(jm.queue, i, i+1)
	}
	jm.start(job, workerID)
	return nil
}

func (jm *JobManager) start(job *types.Job, workerID string) {
	job.Status = types.StatusRunning
	job.Attempt++
	job.WorkerID = workerID
	job.UpdatedAt = time.Now().UnixMilli()
	jm.running[job.ID] = job
}

// Succeed moves a running job to Succeeded.
func (jm *JobManager) Succeed(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJob(id)
	if err != nil {
		return err
	}
	job.Status = types.StatusSucceeded
	job.LastStatus = types.MoverSuccess
	job.Error = ""
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()

	delete(jm.running, id)
	jm.succeeded[id] = job
	return nil
}

// Requeue sends a running job to the back of the queue. Its attempt count
// is kept.
func (jm *JobManager) Requeue(id types.JobID, status types.MoverStatus, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJob(id)
	if err != nil {
		return err
	}
	job.Status = types.StatusPending
	job.LastStatus = status
	job.Error = reason
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()
	jm.seq++
	job.QueueSeq = jm.seq

	delete(jm.running, id)
	jm.queue = append(jm.queue, id)
	return nil
}

// Fail moves a running job to Failed.
func (jm *JobManager) Fail(id types.JobID, status types.MoverStatus, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJob(id)
	if err != nil {
		return err
	}
	job.Status = types.StatusFailed
	job.LastStatus = status
	job.Error = reason
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()

	delete(jm.running, id)
	jm.failed[id] = job
	return nil
}

func (jm *JobManager) runningJob(id types.JobID) (*types.Job, error) {
	job, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != types.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, job.Status)
	}
	return job, nil
}

// RecoverRunning returns every running job to the front of the queue. The
// interrupted attempt is not counted against the job's trials. Used after
// a crash, when no worker can still be holding them.
func (jm *JobManager) RecoverRunning() []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	recovered := make([]*types.Job, 0, len(jm.running))
	for _, job := range jm.running {
		recovered = append(recovered, job)
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].QueueSeq < recovered[j].QueueSeq })

	ids := make([]types.JobID, 0, len(recovered))
	for _, job := range recovered {
		jm.release(job)
		ids = append(ids, job.ID)
	}
	jm.queue = append(ids, jm.queue...)
	return slices.Clone(ids)
}

// Recover returns one running job to the front of the queue without
// counting the attempt, as RecoverRunning does for all of them. Used when
// the worker holding it is gone.
func (jm *JobManager) Recover(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJob(id)
	if err != nil {
		return err
	}
	jm.release(job)
	jm.queue = append([]types.JobID{id}, jm.queue...)
	return nil
}

func (jm *JobManager) release(job *types.Job) {
	job.Status = types.StatusPending
	if job.Attempt > 0 {
		job.Attempt--
	}
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()
	delete(jm.running, job.ID)
}

// ============================================================================
// Queries
// ============================================================================

// Stats counts jobs per state.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"pending":   len(jm.queue),
		"running":   len(jm.running),
		"succeeded": len(jm.succeeded),
		"failed":    len(jm.failed),
		"total":     len(jm.jobs),
	}
}

// Drained reports whether nothing is pending or running.
func (jm *JobManager) Drained() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue) == 0 && len(jm.running) == 0
}

// Get returns a copy of a job.
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Jobs returns copies of all jobs in status, sorted by ID.
func (jm *JobManager) Jobs(status types.JobStatus) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []types.Job
	for _, job := range jm.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// Snapshot / Restore
// ============================================================================

// Snapshot deep-copies the job table.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := *job
		jobs[id] = &c
	}
	return types.SnapshotData{
		Jobs:      jobs,
		SchemaVer: SchemaVersion,
	}
}

// Restore replaces the table with a snapshot. Pending jobs are queued in
// QueueSeq order.
func (jm *JobManager) Restore(data types.SnapshotData) error {
	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return fmt.Errorf("unsupported snapshot schema version %d", data.SchemaVer)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.queue = make([]types.JobID, 0)
	jm.running = make(map[types.JobID]*types.Job)
	jm.succeeded = make(map[types.JobID]*types.Job)
	jm.failed = make(map[types.JobID]*types.Job)
	jm.seq = 0

	var pending []*types.Job
	for id, job := range data.Jobs {
		if job == nil {
			return fmt.Errorf("job %s: empty snapshot entry", id)
		}
		c := *job
		jm.jobs[id] = &c
		if c.QueueSeq > jm.seq {
			jm.seq = c.QueueSeq
		}

		switch c.Status {
		case types.StatusPending:
			pending = append(pending, &c)
		case types.StatusRunning:
			jm.running[id] = &c
		case types.StatusSucceeded:
			jm.succeeded[id] = &c
		case types.StatusFailed:
			jm.failed[id] = &c
		default:
			return fmt.Errorf("job %s: unknown status %q", id, c.Status)
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].QueueSeq < pending[j].QueueSeq })
	for _, job := range pending {
		jm.queue = append(jm.queue, job.ID)
	}
	return nil
}
