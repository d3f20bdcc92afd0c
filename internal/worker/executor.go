package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/output"
	"github.com/ChuLiYu/jobdist/internal/protocol"
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ProtocolSource looks up compiled protocols by name. *protocol.Library
// implements it.
type ProtocolSource interface {
	Get(name string) (*protocol.Compiled, error)
}

// Executor runs single attempts. It is safe for concurrent use: every
// attempt gets its own handle and its own protocol graph.
type Executor struct {
	loader    structure.Loader
	protocols ProtocolSource
	out       output.Outputter
	logger    *zap.Logger
}

func NewExecutor(loader structure.Loader, protocols ProtocolSource, out output.Outputter, logger *zap.Logger) *Executor {
	return &Executor{loader: loader, protocols: protocols, out: out, logger: logger}
}

// Execute runs one attempt of job:
//
//  1. load a fresh handle from job.Input (failure: fail_bad_input)
//  2. instantiate a fresh graph of job.Protocol, seeded for this job and
//     attempt (failure: fail_do_not_retry)
//  3. apply it; a panic becomes fail_do_not_retry
//  4. on success, commit the handle under job.OutputTag
//
// Cancelling ctx does not interrupt Apply, and the commit of a finished
// attempt still goes through.
func (e *Executor) Execute(ctx context.Context, job *types.Job, workerID string) *Result {
	start := time.Now()
	res := &Result{JobID: job.ID, WorkerID: workerID, Attempt: job.Attempt}
	defer func() { res.Duration = time.Since(start) }()

	log := e.logger.With(zap.String("job_id", string(job.ID)), zap.Int("attempt", job.Attempt))

	h, err := e.loader.Load(job.Input, string(job.ID))
	if err != nil {
		res.Status = types.MoverFailBadInput
		if !errors.Is(err, structure.ErrBadInput) {
			res.Status = types.MoverFailDoNotRetry
		}
		res.Err = err
		return res
	}

	compiled, err := e.protocols.Get(job.Protocol)
	if err != nil {
		res.Status, res.Err = types.MoverFailDoNotRetry, err
		return res
	}
	graph, err := compiled.InstantiateSeeded(protocol.AttemptSeed(string(job.ID), job.Attempt))
	if err != nil {
		res.Status, res.Err = types.MoverFailDoNotRetry, err
		return res
	}

	res.Status, res.Err = apply(graph, h)
	if res.Status != types.MoverSuccess {
		log.Debug("attempt failed", zap.String("status", string(res.Status)))
		return res
	}

	if err := e.out.Accept(context.WithoutCancel(ctx), h, job.OutputTag); err != nil {
		var ioErr *types.IOError
		if !errors.As(err, &ioErr) {
			err = &types.IOError{Tag: job.OutputTag, Err: err}
		}
		res.Status, res.OutputError, res.Err = types.MoverFailDoNotRetry, true, err
		log.Warn("output failed", zap.Error(err))
		return res
	}
	return res
}

func apply(graph *protocol.Graph, h *structure.Handle) (status types.MoverStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = types.MoverFailDoNotRetry
			err = fmt.Errorf("mover panicked: %v\n%s", r, debug.Stack())
		}
	}()

	status = graph.Root.Apply(h)
	if !status.Valid() {
		return types.MoverFailDoNotRetry, fmt.Errorf("mover returned unknown status %q", status)
	}
	return status, types.StatusError(status)
}
