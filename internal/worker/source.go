// ============================================================================
// jobdist Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where jobs come from.
//
// Implementations:
//   - distributor.Distributor   in-process job table backed by WAL + snapshot
//   - redisqueue.Queue          shared Redis lists, several worker processes
//   - GrpcJobSource             remote master started with `jobdist serve`
//
// Contract:
//   - Poll claims up to maxJobs jobs for workerID. Each returned job is
//     running and owned by that worker until it is acknowledged.
//   - An empty result means nothing is claimable right now (jobs may still
//     be running elsewhere and come back as retries).
//   - A source may take a job back from a node whose heartbeats stopped;
//     the late result of that claim is then rejected as stale.
//   - ErrDrained means the run is over: nothing pending or running, or the
//     run was aborted. Workers exit when they see it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ErrDrained is returned by Poll once the run has nothing left to hand out.
var ErrDrained = errors.New("job source drained")

// NodeOf returns the node a worker id belongs to. Pool names its workers
// "<node>-<i>".
func NodeOf(workerID string) string {
	if i := strings.LastIndex(workerID, "-"); i > 0 {
		return workerID[:i]
	}
	return workerID
}

// JobSource hands out jobs and takes back attempt results.
type JobSource interface {
	// Poll claims up to maxJobs pending jobs for workerID.
	Poll(ctx context.Context, workerID string, maxJobs int) ([]*types.Job, error)

	// Acknowledge reports the outcome of one attempt. The source decides
	// the job's next state.
	Acknowledge(ctx context.Context, result *Result) error

	// Heartbeat reports liveness and the number of busy workers of a node.
	Heartbeat(ctx context.Context, nodeID string, load int) error
}
