package distributor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/events"
	"github.com/ChuLiYu/jobdist/internal/metrics"
	"github.com/ChuLiYu/jobdist/internal/moves"
	"github.com/ChuLiYu/jobdist/internal/protocol"
	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	dir       string
	reg       *prometheus.Registry
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{dir: t.TempDir(), reg: prometheus.NewRegistry(), publisher: &recordingPublisher{}}
}

func (f *fixture) config() Config {
	return Config{
		RunID:        "test-run",
		WALPath:      filepath.Join(f.dir, "jobs.wal"),
		SnapshotPath: filepath.Join(f.dir, "snapshot.json"),
		SyncOnAppend: true,
	}
}

// open creates a distributor; a fresh metrics registry each time, since a
// reopened distributor models a new process.
func (f *fixture) open(t *testing.T, cfg Config) *Distributor {
	t.Helper()
	f.reg = prometheus.NewRegistry()
	d, err := Open(cfg, metrics.NewCollector(f.reg), f.publisher, zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d
}

func makeJobs(n int, proto string, trials int) []*types.Job {
	jobs := make([]*types.Job, n)
	for i := range jobs {
		id := fmt.Sprintf("job-%03d", i)
		jobs[i] = &types.Job{ID: types.JobID(id), Protocol: proto, OutputTag: id, MaxTrials: trials}
	}
	return jobs
}

func mustEnqueue(t *testing.T, d *Distributor, jobs []*types.Job) {
	t.Helper()
	if _, err := d.Enqueue(jobs); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func pollOne(t *testing.T, d *Distributor, workerID string) *types.Job {
	t.Helper()
	jobs, err := d.Poll(context.Background(), workerID, 1)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Poll returned %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func ack(t *testing.T, d *Distributor, job *types.Job, status types.MoverStatus) {
	t.Helper()
	res := &worker.Result{JobID: job.ID, WorkerID: job.WorkerID, Attempt: job.Attempt, Status: status}
	if err := d.Acknowledge(context.Background(), res); err != nil {
		t.Fatalf("Acknowledge(%s, %s) failed: %v", job.ID, status, err)
	}
}

func assertJobStatus(t *testing.T, d *Distributor, id types.JobID, want types.JobStatus) types.Job {
	t.Helper()
	job, ok := d.Job(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	if job.Status != want {
		t.Errorf("job %s status = %s, want %s", id, job.Status, want)
	}
	return job
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestOpenRequiresPaths(t *testing.T) {
	if _, err := Open(Config{}, nil, nil, zap.NewNop()); err == nil {
		t.Error("Open should fail without paths")
	}
}

func TestOpenWithInvalidPath(t *testing.T) {
	cfg := Config{WALPath: "/invalid/path/jobs.wal", SnapshotPath: "/invalid/path/snapshot.json", Resume: true}
	if _, err := Open(cfg, nil, nil, zap.NewNop()); err == nil {
		t.Error("Open should fail with an invalid path")
	}
}

func TestEnqueueAndPollFIFO(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(3, "p", 1))

	for i := 0; i < 3; i++ {
		job := pollOne(t, d, "w0")
		want := types.JobID(fmt.Sprintf("job-%03d", i))
		if job.ID != want {
			t.Errorf("claim %d = %s, want %s", i, job.ID, want)
		}
		if job.Attempt != 1 || job.Status != types.StatusRunning || job.WorkerID != "w0" {
			t.Errorf("claimed job = %+v", job)
		}
	}

	jobs, err := d.Poll(context.Background(), "w0", 1)
	if err != nil || len(jobs) != 0 {
		t.Errorf("Poll with only running jobs = %v, %v; want empty, nil", jobs, err)
	}

	if got := gathered(t, f.reg, "jobdist_jobs_enqueued_total"); got != 3 {
		t.Errorf("enqueued metric = %v, want 3", got)
	}
	if got := gathered(t, f.reg, "jobdist_jobs_running"); got != 3 {
		t.Errorf("running gauge = %v, want 3", got)
	}
}

func TestPollBatch(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(5, "p", 1))
	jobs, err := d.Poll(context.Background(), "w0", 3)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("Poll returned %d jobs, want 3", len(jobs))
	}
}

func TestPollDrained(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	if _, err := d.Poll(context.Background(), "w0", 1); !errors.Is(err, worker.ErrDrained) {
		t.Errorf("Poll on empty run = %v, want ErrDrained", err)
	}

	mustEnqueue(t, d, makeJobs(1, "p", 1))
	ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)

	if _, err := d.Poll(context.Background(), "w0", 1); !errors.Is(err, worker.ErrDrained) {
		t.Errorf("Poll after last job = %v, want ErrDrained", err)
	}
	if !d.Drained() {
		t.Error("Drained() = false")
	}
}

func TestAcknowledgeTransitions(t *testing.T) {
	tests := []struct {
		name      string
		trials    int
		status    types.MoverStatus
		want      types.JobStatus
		wantError string
	}{
		{"success", 3, types.MoverSuccess, types.StatusSucceeded, ""},
		{"retry with trials left", 3, types.MoverFailRetry, types.StatusPending, ""},
		{"retry on last trial", 1, types.MoverFailRetry, types.StatusFailed, "trials exhausted after 1 attempts"},
		{"do not retry", 3, types.MoverFailDoNotRetry, types.StatusFailed, ""},
		{"bad input", 3, types.MoverFailBadInput, types.StatusFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.open(t, f.config())
			defer d.Close()

			mustEnqueue(t, d, makeJobs(1, "p", tt.trials))
			ack(t, d, pollOne(t, d, "w0"), tt.status)

			job := assertJobStatus(t, d, "job-000", tt.want)
			if tt.want != types.StatusSucceeded && job.LastStatus != tt.status {
				t.Errorf("LastStatus = %s, want %s", job.LastStatus, tt.status)
			}
			if !strings.Contains(job.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", job.Error, tt.wantError)
			}
		})
	}
}

func TestRequeueGoesToBack(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(3, "p", 2))
	ack(t, d, pollOne(t, d, "w0"), types.MoverFailRetry)

	order := []types.JobID{"job-001", "job-002", "job-000"}
	for _, want := range order {
		if got := pollOne(t, d, "w1").ID; got != want {
			t.Errorf("claim = %s, want %s", got, want)
		}
	}
}

func TestStaleAcknowledge(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(1, "p", 3))
	job := pollOne(t, d, "w0")
	ack(t, d, job, types.MoverFailRetry)

	// same attempt reported twice
	err := d.Acknowledge(context.Background(), &worker.Result{JobID: job.ID, WorkerID: job.WorkerID, Attempt: job.Attempt, Status: types.MoverSuccess})
	if !errors.Is(err, ErrStaleResult) {
		t.Errorf("duplicate ack = %v, want ErrStaleResult", err)
	}

	err = d.Acknowledge(context.Background(), &worker.Result{JobID: "ghost", Attempt: 1, Status: types.MoverSuccess})
	if err == nil {
		t.Error("ack of unknown job should fail")
	}
}

func TestAcknowledgeFromPreviousProcess(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	mustEnqueue(t, d, makeJobs(1, "p", 3))
	old := pollOne(t, d, "w-old")
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cfg := f.config()
	cfg.Resume = true
	r := f.open(t, cfg)
	defer r.Close()

	// recovery refunded the attempt, so the new claim repeats its number
	cur := pollOne(t, r, "w-new")
	if cur.Attempt != old.Attempt {
		t.Fatalf("new claim Attempt = %d, want %d", cur.Attempt, old.Attempt)
	}

	err := r.Acknowledge(context.Background(), &worker.Result{JobID: old.ID, WorkerID: old.WorkerID, Attempt: old.Attempt, Status: types.MoverFailRetry})
	if !errors.Is(err, ErrStaleResult) {
		t.Fatalf("ack from previous claim = %v, want ErrStaleResult", err)
	}
	if job := assertJobStatus(t, r, cur.ID, types.StatusRunning); job.WorkerID != "w-new" {
		t.Errorf("WorkerID = %q, want w-new", job.WorkerID)
	}

	ack(t, r, cur, types.MoverSuccess)
	assertJobStatus(t, r, cur.ID, types.StatusSucceeded)
}

// ============================================================================
// Output failures and abort
// ============================================================================

func TestOutputErrorFailsJobOnly(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(2, "p", 3))
	job := pollOne(t, d, "w0")
	res := &worker.Result{
		JobID: job.ID, WorkerID: job.WorkerID, Attempt: job.Attempt, Status: types.MoverFailDoNotRetry,
		OutputError: true, Err: &types.IOError{Tag: job.OutputTag, Err: errors.New("disk full")},
	}
	if err := d.Acknowledge(context.Background(), res); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	assertJobStatus(t, d, job.ID, types.StatusFailed)
	if d.Err() != nil {
		t.Errorf("run aborted without fail-fast: %v", d.Err())
	}
	if got := gathered(t, f.reg, "jobdist_output_errors_total"); got != 1 {
		t.Errorf("output error metric = %v, want 1", got)
	}
	pollOne(t, d, "w0")
}

func TestFailFastOnOutputError(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.FailFastOnOutputError = true
	d := f.open(t, cfg)
	defer d.Close()

	mustEnqueue(t, d, makeJobs(3, "p", 1))
	first := pollOne(t, d, "w0")
	second := pollOne(t, d, "w1")

	res := &worker.Result{JobID: first.ID, WorkerID: first.WorkerID, Attempt: 1, Status: types.MoverFailDoNotRetry, OutputError: true, Err: errors.New("bucket gone")}
	if err := d.Acknowledge(context.Background(), res); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	if !errors.Is(d.Err(), types.ErrIO) {
		t.Fatalf("Err() = %v, want an output failure", d.Err())
	}
	if _, err := d.Poll(context.Background(), "w0", 1); !errors.Is(err, worker.ErrDrained) {
		t.Errorf("Poll after abort = %v, want ErrDrained", err)
	}

	// the in-flight attempt is still accepted
	ack(t, d, second, types.MoverSuccess)
	assertJobStatus(t, d, second.ID, types.StatusSucceeded)

	select {
	case <-d.Aborted():
	default:
		t.Error("Aborted() not closed")
	}
}

// ============================================================================
// Retry accounting end to end
// ============================================================================

// attemptLibrary compiles protocol "p" around a mover that returns
// fail_retry until the shared counter reaches succeedOn. 0 never succeeds.
func attemptLibrary(t *testing.T, count *atomic.Int32, succeedOn int32) *protocol.Library {
	t.Helper()
	reg := registry.NewWithBuiltins()
	err := reg.RegisterMover("Attempt", func(registry.Params, registry.Resolver) (moves.Mover, error) {
		return &attemptMover{count: count, succeedOn: succeedOn}, nil
	})
	if err != nil {
		t.Fatalf("RegisterMover failed: %v", err)
	}
	c, err := protocol.Compile(reg, "p", []byte("movers:\n  a: {type: Attempt}\nprotocol: [a]\n"))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return protocol.NewLibrary(c)
}

type attemptMover struct {
	count     *atomic.Int32
	succeedOn int32
}

func (m *attemptMover) Apply(*structure.Handle) types.MoverStatus {
	if n := m.count.Add(1); m.succeedOn > 0 && n >= m.succeedOn {
		return types.MoverSuccess
	}
	return types.MoverFailRetry
}
func (m *attemptMover) Clone() moves.Mover         { c := *m; return &c }
func (m *attemptMover) FreshInstance() moves.Mover { return &attemptMover{count: m.count, succeedOn: m.succeedOn} }
func (m *attemptMover) Name() string               { return "Attempt" }

type discard struct{}

func (discard) Accept(context.Context, *structure.Handle, string) error { return nil }
func (discard) Close() error                                            { return nil }

func runToCompletion(t *testing.T, d *Distributor, lib *protocol.Library, workers int) {
	t.Helper()
	exec := worker.NewExecutor(structure.NewSourceLoader(""), lib, discard{}, zap.NewNop())
	pool, err := worker.NewPool(worker.PoolConfig{Workers: workers, PollInterval: time.Millisecond}, d, exec, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Run(ctx); err != nil {
		t.Fatalf("pool.Run failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("run did not drain in time")
	}
}

func TestRetryBudgetIsExact(t *testing.T) {
	for _, trials := range []int{1, 2, 5} {
		t.Run(fmt.Sprint(trials), func(t *testing.T) {
			var count atomic.Int32
			f := newFixture(t)
			d := f.open(t, f.config())
			defer d.Close()

			mustEnqueue(t, d, makeJobs(1, "p", trials))
			runToCompletion(t, d, attemptLibrary(t, &count, 0), 2)

			if got := int(count.Load()); got != trials {
				t.Errorf("attempts = %d, want %d", got, trials)
			}
			job := assertJobStatus(t, d, "job-000", types.StatusFailed)
			if job.Attempt != trials {
				t.Errorf("Attempt = %d, want %d", job.Attempt, trials)
			}
			if got := gathered(t, f.reg, "jobdist_job_retries_total"); got != float64(trials-1) {
				t.Errorf("retries metric = %v, want %d", got, trials-1)
			}
		})
	}
}

func TestNoAttemptAfterSuccess(t *testing.T) {
	for _, k := range []int32{1, 2, 4} {
		t.Run(fmt.Sprint(k), func(t *testing.T) {
			var count atomic.Int32
			f := newFixture(t)
			d := f.open(t, f.config())
			defer d.Close()

			mustEnqueue(t, d, makeJobs(1, "p", 5))
			runToCompletion(t, d, attemptLibrary(t, &count, k), 3)

			if got := count.Load(); got != k {
				t.Errorf("attempts = %d, want %d", got, k)
			}
			assertJobStatus(t, d, "job-000", types.StatusSucceeded)
		})
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.SyncOnAppend = false
	d := f.open(t, cfg)
	defer d.Close()

	const n = 500
	mustEnqueue(t, d, makeJobs(n, "p", 1))

	var mu sync.Mutex
	seen := make(map[types.JobID]int)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", w)
			for {
				jobs, err := d.Poll(context.Background(), workerID, 2)
				if errors.Is(err, worker.ErrDrained) {
					return
				}
				if err != nil {
					t.Errorf("Poll failed: %v", err)
					return
				}
				for _, job := range jobs {
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
					res := &worker.Result{JobID: job.ID, WorkerID: workerID, Attempt: job.Attempt, Status: types.MoverSuccess}
					if err := d.Acknowledge(context.Background(), res); err != nil {
						t.Errorf("Acknowledge failed: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("job %s claimed %d times", id, c)
		}
	}
}

// ============================================================================
// Crash recovery
// ============================================================================

func TestCrashRecovery(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())

	mustEnqueue(t, d, makeJobs(6, "p", 3))
	a := pollOne(t, d, "w0") // job-000
	b := pollOne(t, d, "w1") // job-001
	c := pollOne(t, d, "w2") // job-002
	ack(t, d, a, types.MoverSuccess)
	ack(t, d, b, types.MoverFailRetry) // job-001 -> back, attempt 1
	_ = c                              // job-002 still running at the crash

	// crash: no Close, no final snapshot
	cfg := f.config()
	cfg.Resume = true
	r := f.open(t, cfg)
	defer r.Close()

	assertJobStatus(t, r, "job-000", types.StatusSucceeded)
	if job := assertJobStatus(t, r, "job-001", types.StatusPending); job.Attempt != 1 {
		t.Errorf("job-001 Attempt = %d, want 1", job.Attempt)
	}
	if job := assertJobStatus(t, r, "job-002", types.StatusPending); job.Attempt != 0 {
		t.Errorf("interrupted job-002 Attempt = %d, want 0", job.Attempt)
	}

	st := r.Status()
	if st.Running != 0 || st.Pending != 5 || st.Succeeded != 1 || st.Recovered != 1 {
		t.Errorf("status after recovery = %+v", st)
	}

	// interrupted job first, then the untouched ones, then the retry
	want := []types.JobID{"job-002", "job-003", "job-004", "job-005", "job-001"}
	for _, id := range want {
		if got := pollOne(t, r, "w9").ID; got != id {
			t.Errorf("claim = %s, want %s", got, id)
		}
	}
}

func TestRecoveryFromSnapshotAndWALTail(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())

	mustEnqueue(t, d, makeJobs(4, "p", 2))
	ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)
	if err := d.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	ack(t, d, pollOne(t, d, "w0"), types.MoverFailDoNotRetry)
	lastSeq := d.Status().LastSeq

	cfg := f.config()
	cfg.Resume = true
	r := f.open(t, cfg)
	defer r.Close()

	assertJobStatus(t, r, "job-000", types.StatusSucceeded)
	assertJobStatus(t, r, "job-001", types.StatusFailed)
	assertJobStatus(t, r, "job-002", types.StatusPending)

	// numbering continues after recovery
	if got := r.Status().LastSeq; got < lastSeq {
		t.Errorf("LastSeq after recovery = %d, want >= %d", got, lastSeq)
	}
}

func TestRecoveryIsRepeatable(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	mustEnqueue(t, d, makeJobs(3, "p", 2))
	pollOne(t, d, "w0")

	cfg := f.config()
	cfg.Resume = true
	for i := 0; i < 3; i++ {
		r := f.open(t, cfg)
		if job := assertJobStatus(t, r, "job-000", types.StatusPending); job.Attempt != 0 {
			t.Errorf("round %d: Attempt = %d, want 0", i, job.Attempt)
		}
		pollOne(t, r, "w0") // crash again while running
	}
}

func TestResumeSkipsTerminalJobs(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	jobs := makeJobs(3, "p", 1)
	mustEnqueue(t, d, jobs)
	ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)
	ack(t, d, pollOne(t, d, "w0"), types.MoverFailDoNotRetry)
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cfg := f.config()
	cfg.Resume = true
	r := f.open(t, cfg)
	defer r.Close()

	added, err := r.Enqueue(append(jobs, makeJobs(4, "p", 1)[3]))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	st := r.Status()
	if st.Pending != 2 || st.Succeeded != 1 || st.Failed != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestFreshRunDiscardsState(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	mustEnqueue(t, d, makeJobs(3, "p", 1))
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := f.open(t, f.config())
	defer r.Close()
	if st := r.Status(); st.Total != 0 {
		t.Errorf("fresh run has %d jobs, want 0", st.Total)
	}
}

func TestSnapshotLoop(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.SnapshotInterval = 10 * time.Millisecond
	d := f.open(t, cfg)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	mustEnqueue(t, d, makeJobs(2, "p", 1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := d.snapshot.Load(); err == nil && len(data.Jobs) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("snapshot loop never captured the enqueued jobs")
}

// ============================================================================
// Worker expiry
// ============================================================================

func TestExpireSilentWorker(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.WorkerTTL = 50 * time.Millisecond
	d := f.open(t, cfg)
	defer d.Close()

	ctx := context.Background()
	mustEnqueue(t, d, makeJobs(3, "p", 3))
	dead := pollOne(t, d, "dead-0")
	live := pollOne(t, d, "live-0")

	time.Sleep(100 * time.Millisecond)
	if err := d.Heartbeat(ctx, "live", 1); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	n, err := d.ExpireWorkers(time.Now())
	if err != nil {
		t.Fatalf("ExpireWorkers failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d jobs, want 1", n)
	}
	if job := assertJobStatus(t, d, dead.ID, types.StatusPending); job.Attempt != 0 || job.WorkerID != "" {
		t.Errorf("expired job = attempt %d worker %q, want attempt 0 and no worker", job.Attempt, job.WorkerID)
	}
	assertJobStatus(t, d, live.ID, types.StatusRunning)
	if st := d.Status(); st.Recovered != 1 {
		t.Errorf("Recovered = %d, want 1", st.Recovered)
	}

	// the expired job goes to the front, ahead of job-002
	next := pollOne(t, d, "live-1")
	if next.ID != dead.ID || next.Attempt != 1 {
		t.Fatalf("next claim = %s attempt %d, want %s attempt 1", next.ID, next.Attempt, dead.ID)
	}

	err = d.Acknowledge(ctx, &worker.Result{JobID: dead.ID, WorkerID: dead.WorkerID, Attempt: dead.Attempt, Status: types.MoverSuccess})
	if !errors.Is(err, ErrStaleResult) {
		t.Errorf("late ack from expired worker = %v, want ErrStaleResult", err)
	}
	assertJobStatus(t, d, dead.ID, types.StatusRunning)
}

func TestExpireWorkersDisabled(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(1, "p", 1))
	job := pollOne(t, d, "w0")

	n, err := d.ExpireWorkers(time.Now().Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("ExpireWorkers = %d, %v; want 0, nil", n, err)
	}
	assertJobStatus(t, d, job.ID, types.StatusRunning)
}

func TestExpiryIsReplayed(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.WorkerTTL = time.Minute
	d := f.open(t, cfg)

	mustEnqueue(t, d, makeJobs(2, "p", 3))
	pollOne(t, d, "dead-0")
	pollOne(t, d, "live-0")
	if n, err := d.ExpireWorkers(time.Now().Add(2 * time.Minute)); err != nil || n != 2 {
		t.Fatalf("ExpireWorkers = %d, %v; want 2, nil", n, err)
	}
	if again := pollOne(t, d, "live-1"); again.ID != "job-000" {
		t.Fatalf("claim after expiry = %s, want job-000", again.ID)
	}

	// crash: no Close
	cfg.Resume = true
	r := f.open(t, cfg)
	defer r.Close()

	if job := assertJobStatus(t, r, "job-000", types.StatusPending); job.Attempt != 0 {
		t.Errorf("job-000 Attempt = %d, want 0", job.Attempt)
	}
	if job := assertJobStatus(t, r, "job-001", types.StatusPending); job.Attempt != 0 {
		t.Errorf("job-001 Attempt = %d, want 0", job.Attempt)
	}
	// only the claim open at the crash is taken back on Open
	if st := r.Status(); st.Recovered != 1 || st.Pending != 2 {
		t.Errorf("status after replay = %+v", st)
	}
}

func TestExpiryLoop(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.WorkerTTL = 20 * time.Millisecond
	d := f.open(t, cfg)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mustEnqueue(t, d, makeJobs(1, "p", 1))
	job := pollOne(t, d, "gone-0")
	d.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := d.Job(job.ID); cur.Status == types.StatusPending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expiry loop never took back the job of a silent worker")
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	f := newFixture(t)
	cfg := f.config()
	cfg.SyncOnAppend = false
	d := f.open(t, cfg)

	const n = 5000
	mustEnqueue(t, d, makeJobs(n, "p", 1))
	if err := d.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	for i := 0; i < n/2; i++ {
		ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)
	}
	if err := d.wal.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	cfg.Resume = true
	start := time.Now()
	r := f.open(t, cfg)
	defer r.Close()
	elapsed := time.Since(start)

	if st := r.Status(); st.Succeeded != n/2 || st.Pending != n/2 {
		t.Errorf("status = %+v", st)
	}
	if elapsed > 3*time.Second {
		t.Errorf("recovery took %v, want < 3s", elapsed)
	}
	t.Logf("recovered %d jobs in %v", n, elapsed)
}

// ============================================================================
// Report and events
// ============================================================================

func TestReportAndEvents(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	mustEnqueue(t, d, makeJobs(3, "p", 1))
	ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)
	ack(t, d, pollOne(t, d, "w0"), types.MoverFailBadInput)

	r := d.Report()
	if r.Total != 3 || r.Succeeded != 1 || r.Failed != 1 || r.Pending != 1 {
		t.Errorf("report = %+v", r)
	}
	if len(r.Failures) != 1 || r.Failures[0].ID != "job-001" || r.Failures[0].Status != types.MoverFailBadInput || r.Failures[0].Trials != 1 {
		t.Errorf("failures = %+v", r.Failures)
	}

	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, want := range []string{"1 succeeded", "1 failed", "1 not finished", "job-001", "fail_bad_input"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report text missing %q:\n%s", want, buf.String())
		}
	}

	if len(f.publisher.events) != 2 {
		t.Fatalf("published %d events, want 2", len(f.publisher.events))
	}
	if ev := f.publisher.events[1]; ev.JobID != "job-001" || ev.Status != types.StatusFailed || ev.RunID != "test-run" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHeartbeatShowsInStatus(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.config())
	defer d.Close()

	if err := d.Heartbeat(context.Background(), "node-a", 3); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	st := d.Status()
	if len(st.Workers) != 1 || st.Workers[0].NodeID != "node-a" || st.Workers[0].Load != 3 {
		t.Errorf("workers = %+v", st.Workers)
	}
}

func TestCheckProtocols(t *testing.T) {
	var count atomic.Int32
	lib := attemptLibrary(t, &count, 1)

	if err := CheckProtocols(makeJobs(2, "p", 1), lib); err != nil {
		t.Errorf("CheckProtocols failed: %v", err)
	}
	err := CheckProtocols(makeJobs(1, "missing", 1), lib)
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("CheckProtocols = %v, want a configuration error", err)
	}
}

func TestInspectReadsStateWithoutChangingIt(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	d := f.open(t, cfg)

	mustEnqueue(t, d, makeJobs(4, "p", 1))
	ack(t, d, pollOne(t, d, "w0"), types.MoverSuccess)
	if err := d.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	ack(t, d, pollOne(t, d, "w0"), types.MoverFailDoNotRetry)
	pollOne(t, d, "w0") // left running

	r, err := Inspect(cfg.WALPath, cfg.SnapshotPath)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if r.RunID != "test-run" || r.Succeeded != 1 || r.Failed != 1 || r.Running != 1 || r.Pending != 1 {
		t.Errorf("report = %+v", r)
	}

	// the live distributor is unaffected
	if st := d.Status(); st.Running != 1 {
		t.Errorf("running after Inspect = %d, want 1", st.Running)
	}
	d.Close()
}

func TestInspectEmptyState(t *testing.T) {
	dir := t.TempDir()
	r, err := Inspect(filepath.Join(dir, "jobs.wal"), filepath.Join(dir, "snapshot.json"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if r.Total != 0 {
		t.Errorf("Total = %d, want 0", r.Total)
	}
}
