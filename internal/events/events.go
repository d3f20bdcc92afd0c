// Package events publishes job terminal transitions to an external bus so
// dashboards and downstream pipelines can follow a run without reading the
// WAL. Publication is best effort: a failed publish is logged by the caller
// and never changes job state.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

// JobEvent is published when a job succeeds or fails for good.
type JobEvent struct {
	RunID      string            `json:"run_id"`
	JobID      types.JobID       `json:"job_id"`
	OutputTag  string            `json:"output_tag"`
	Status     types.JobStatus   `json:"status"`
	LastStatus types.MoverStatus `json:"last_status,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FromJob builds the event for a job in a terminal state.
func FromJob(runID string, job *types.Job) JobEvent {
	return JobEvent{
		RunID:      runID,
		JobID:      job.ID,
		OutputTag:  job.OutputTag,
		Status:     job.Status,
		LastStatus: job.LastStatus,
		Attempts:   job.Attempt,
		Error:      job.Error,
		Timestamp:  time.UnixMilli(job.UpdatedAt).UTC(),
	}
}

// Publisher sends job events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}

// Config selects the event bus.
type Config struct {
	Type    string        `yaml:"type" validate:"omitempty,oneof=none redis nats"`
	URL     string        `yaml:"url"`
	Channel string        `yaml:"channel"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries" validate:"gte=0"`
}

const (
	DefaultChannel = "jobdist.jobs"
	DefaultTimeout = 5 * time.Second
)

// New builds the publisher named by cfg.Type. An empty type means none.
func New(cfg Config) (Publisher, error) {
	switch cfg.Type {
	case "", "none":
		return Noop{}, nil
	case "redis":
		return NewRedisPublisher(cfg)
	case "nats":
		return NewNATSPublisher(cfg)
	}
	return nil, &types.ConfigError{Component: "events", Name: cfg.Type, Err: errors.New("unknown event bus")}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, JobEvent) error { return nil }
func (Noop) Close() error                           { return nil }

// retry runs fn up to 1+retries times with exponential backoff between tries.
func retry(ctx context.Context, retries int, fn func() error) error {
	var lastErr error
	attempts := 1 + retries
	for i := range attempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
