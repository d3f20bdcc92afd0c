// Package types defines the core domain model shared by the job distributor,
// the worker pool and the mover/filter composition layer.
package types

import (
	"fmt"
	"strings"
)

// JobID is the unique identifier of a job within one run.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // waiting in the queue (new or resubmitted)
	StatusRunning   JobStatus = "running"   // claimed by exactly one worker
	StatusSucceeded JobStatus = "succeeded" // protocol succeeded and output was committed
	StatusFailed    JobStatus = "failed"    // terminal failure, no output for this job
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// MoverStatus is the outcome of one mover application.
type MoverStatus string

const (
	MoverSuccess        MoverStatus = "success"
	MoverFailRetry      MoverStatus = "fail_retry"
	MoverFailDoNotRetry MoverStatus = "fail_do_not_retry"
	MoverFailBadInput   MoverStatus = "fail_bad_input"
)

// Retryable reports whether a job ending with this status may be attempted again.
func (s MoverStatus) Retryable() bool {
	return s == MoverFailRetry
}

// Valid reports whether s is one of the known statuses.
func (s MoverStatus) Valid() bool {
	switch s {
	case MoverSuccess, MoverFailRetry, MoverFailDoNotRetry, MoverFailBadInput:
		return true
	}
	return false
}

// ParseMoverStatus accepts the canonical names plus the upper-case
// MS_SUCCESS style spellings used by older protocol files.
func ParseMoverStatus(s string) (MoverStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "ms_")
	status := MoverStatus(norm)
	if !status.Valid() {
		return "", fmt.Errorf("unknown mover status %q", s)
	}
	return status, nil
}

// Job is one independent structure-generation trial.
type Job struct {
	// identity and inputs
	ID        JobID  `json:"id" yaml:"id"`
	Input     string `json:"input" yaml:"input"`       // structure source, see structure.Loader
	Protocol  string `json:"protocol" yaml:"protocol"` // compiled protocol name
	OutputTag string `json:"output_tag" yaml:"output_tag"`
	MaxTrials int    `json:"max_trials" yaml:"max_trials"`

	// state tracking
	Status     JobStatus   `json:"status" yaml:"-"`
	Attempt    int         `json:"attempt" yaml:"-"`
	LastStatus MoverStatus `json:"last_status,omitempty" yaml:"-"`
	Error      string      `json:"error,omitempty" yaml:"-"`

	// Unix milliseconds, matching the WAL and snapshot timestamps
	CreatedAt int64 `json:"created_at" yaml:"-"`
	UpdatedAt int64 `json:"updated_at" yaml:"-"`

	WorkerID string `json:"worker_id,omitempty" yaml:"-"`

	// QueueSeq orders pending jobs; a requeue takes a new, larger value.
	QueueSeq uint64 `json:"queue_seq" yaml:"-"`
}

// TrialsLeft reports whether another attempt may be made after the current one.
func (j *Job) TrialsLeft() bool {
	return j.Attempt < j.MaxTrials
}

// SnapshotData is the persisted form of the job table.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
	RunID     string         `json:"run_id,omitempty"`
}
