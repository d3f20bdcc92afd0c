// ============================================================================
// jobdist Worker - Attempt Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine that pulls jobs from a JobSource and runs them
//
// Loop:
//   ┌─────────────────────────────────────────┐
//   │  Worker Goroutine                       │
//   │  ┌───────────────────────────────────┐  │
//   │  │ for ctx not done:                 │  │
//   │  │   ├─ Poll(source)                 │  │
//   │  │   │    drained → exit             │  │
//   │  │   │    empty   → wait interval    │  │
//   │  │   ├─ Execute(job) on fresh handle │  │
//   │  │   └─ Acknowledge(result)          │  │
//   │  └───────────────────────────────────┘  │
//   └─────────────────────────────────────────┘
//
// Cancellation:
//   Cancelling the run context stops polling. An attempt already executing
//   runs to completion and is still acknowledged, so a handle is never left
//   half-applied and the source never loses track of a claimed job.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ackTimeout bounds an acknowledgement sent after the run was cancelled.
const ackTimeout = 10 * time.Second

// Worker runs attempts one at a time.
type Worker struct {
	id           string
	source       JobSource
	exec         *Executor
	pollInterval time.Duration
	busy         *atomic.Int64
	logger       *zap.Logger
}

func newWorker(id string, source JobSource, exec *Executor, pollInterval time.Duration, busy *atomic.Int64, logger *zap.Logger) *Worker {
	return &Worker{
		id:           id,
		source:       source,
		exec:         exec,
		pollInterval: pollInterval,
		busy:         busy,
		logger:       logger.With(zap.String("worker_id", id)),
	}
}

// Run returns when the source is drained or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		jobs, err := w.source.Poll(ctx, w.id, 1)
		switch {
		case errors.Is(err, ErrDrained):
			w.logger.Debug("source drained")
			return
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Warn("poll failed", zap.Error(err))
			}
			w.wait(ctx)
			continue
		case len(jobs) == 0:
			w.wait(ctx)
			continue
		}

		for _, job := range jobs {
			w.runOne(ctx, job)
		}
	}
}

func (w *Worker) runOne(ctx context.Context, job *types.Job) {
	w.busy.Add(1)
	defer w.busy.Add(-1)

	res := w.exec.Execute(ctx, job, w.id)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := w.source.Acknowledge(ackCtx, res); err != nil {
		w.logger.Error("acknowledge failed",
			zap.String("job_id", string(job.ID)),
			zap.String("status", string(res.Status)),
			zap.Error(err))
	}
}

func (w *Worker) wait(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
