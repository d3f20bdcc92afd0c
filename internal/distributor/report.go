package distributor

import (
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/jobmanager"
	"github.com/ChuLiYu/jobdist/internal/snapshot"
	"github.com/ChuLiYu/jobdist/internal/storage/wal"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Failure describes one failed job for the end-of-run report.
type Failure struct {
	ID        types.JobID       `json:"id"`
	OutputTag string            `json:"output_tag"`
	Status    types.MoverStatus `json:"status"`
	Trials    int               `json:"trials"`
	Error     string            `json:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	RunID     string    `json:"run_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Running   int       `json:"running"`
	Failures  []Failure `json:"failures,omitempty"`
	Aborted   string    `json:"aborted,omitempty"`
}

// Report builds the summary of the current table.
func (d *Distributor) Report() Report {
	r := buildReport(d.jobs)
	r.RunID = d.cfg.RunID
	if err := d.Err(); err != nil {
		r.Aborted = err.Error()
	}
	return r
}

// Inspect rebuilds the job table of a run from its state files without
// modifying them. Jobs that were running when the files were last written
// are reported as running.
func Inspect(walPath, snapshotPath string) (Report, error) {
	data, err := snapshot.NewManager(snapshotPath).Load()
	if err != nil {
		return Report{}, fmt.Errorf("load snapshot: %w", err)
	}
	d := &Distributor{jobs: jobmanager.NewJobManager(), logger: zap.NewNop()}
	if err := d.jobs.Restore(data); err != nil {
		return Report{}, fmt.Errorf("restore snapshot: %w", err)
	}
	runID := data.RunID
	if err := wal.ReadEvents(walPath, data.LastSeq, d.apply); err != nil {
		return Report{}, fmt.Errorf("read WAL: %w", err)
	}
	r := buildReport(d.jobs)
	r.RunID = runID
	return r, nil
}

func buildReport(jobs *jobmanager.JobManager) Report {
	stats := jobs.Stats()
	r := Report{
		Total:     stats["total"],
		Succeeded: stats["succeeded"],
		Failed:    stats["failed"],
		Pending:   stats["pending"],
		Running:   stats["running"],
	}
	for _, job := range jobs.Jobs(types.StatusFailed) {
		r.Failures = append(r.Failures, Failure{
			ID:        job.ID,
			OutputTag: job.OutputTag,
			Status:    job.LastStatus,
			Trials:    job.Attempt,
			Error:     job.Error,
		})
	}
	return r
}

// Write prints the report as text.
func (r Report) Write(w io.Writer) error {
	fmt.Fprintf(w, "run %s: %d jobs, %d succeeded, %d failed", r.RunID, r.Total, r.Succeeded, r.Failed)
	if left := r.Pending + r.Running; left > 0 {
		fmt.Fprintf(w, ", %d not finished", left)
	}
	fmt.Fprintln(w)
	if r.Aborted != "" {
		fmt.Fprintf(w, "aborted: %s\n", r.Aborted)
	}
	if len(r.Failures) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTAG\tSTATUS\tTRIALS\tERROR")
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", f.ID, f.OutputTag, f.Status, f.Trials, f.Error)
	}
	return tw.Flush()
}

// CheckProtocols fails if any job names a protocol the library lacks. It
// runs before anything is enqueued, so a broken job list aborts the run
// before any job starts.
func CheckProtocols(jobs []*types.Job, protocols worker.ProtocolSource) error {
	for _, job := range jobs {
		if _, err := protocols.Get(job.Protocol); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	return nil
}
