// ============================================================================
// jobdist Worker Pool - Concurrent Attempt Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs N workers against one JobSource and reports liveness
//
// Architecture:
//   ┌──────────────┐
//   │  JobSource   │ ←── Poll / Acknowledge ──┐
//   └──────────────┘                          │
//          ↑                           ┌──────┴─────┐
//      Heartbeat                       │  Worker 1  │
//          │                           │  Worker 2  │
//   ┌──────┴───────┐                   │  Worker N  │
//   │ Pool         │ ── starts ──────→ └────────────┘
//   └──────────────┘
//
// Lifecycle:
//   1. NewPool()  - validate configuration
//   2. Run(ctx)   - start N workers and the heartbeat loop, block
//   3. Run returns once every worker has exited: the source reported
//      drained or ctx was cancelled and in-flight attempts finished
//
// Workers never share a handle: each attempt loads its own.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrPoolRunning = errors.New("worker pool already running")

// PoolConfig sizes the pool.
type PoolConfig struct {
	// NodeID identifies this process in heartbeats and worker ids.
	NodeID            string
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Pool runs a fixed number of workers.
type Pool struct {
	cfg     PoolConfig
	source  JobSource
	exec    *Executor
	logger  *zap.Logger
	busy    atomic.Int64
	mu      sync.Mutex
	running bool
}

func NewPool(cfg PoolConfig, source JobSource, exec *Executor, logger *zap.Logger) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.Workers)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "local"
	}
	return &Pool{cfg: cfg, source: source, exec: exec, logger: logger.Named("worker")}, nil
}

// Run blocks until every worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.cfg.NodeID, i), p.source, p.exec, p.cfg.PollInterval, &p.busy, p.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	p.logger.Info("worker pool started",
		zap.String("node_id", p.cfg.NodeID),
		zap.Int("workers", p.cfg.Workers))
	wg.Wait()
	p.logger.Info("worker pool stopped", zap.String("node_id", p.cfg.NodeID))
	return nil
}

// Busy returns the number of attempts executing right now.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := p.source.Heartbeat(ctx, p.cfg.NodeID, p.Busy()); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
