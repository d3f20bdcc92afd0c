// Package server exposes a run's job queue to remote worker pools over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/ChuLiYu/jobdist/api/jobqueue/v1"
	"github.com/ChuLiYu/jobdist/internal/distributor"
	"github.com/ChuLiYu/jobdist/internal/jobmanager"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// maxPollBatch caps the jobs handed out per poll.
const maxPollBatch = 64

// Backend is the run the server exposes; *distributor.Distributor
// implements it.
type Backend interface {
	worker.JobSource
	Job(id types.JobID) (types.Job, bool)
	Status() distributor.Status
}

// Server implements the JobQueue service on top of a Backend.
type Server struct {
	source Backend
	logger *zap.Logger

	grpc *grpc.Server
}

var (
	_ pb.JobQueueServer = (*Server)(nil)
	_ Backend           = (*distributor.Distributor)(nil)
)

// NewServer creates a server.
func NewServer(source Backend, logger *zap.Logger) *Server {
	s := &Server{
		source: source,
		logger: logger.Named("server"),
		grpc:   grpc.NewServer(),
	}
	pb.RegisterJobQueueServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// PollJobs claims jobs for a remote worker.
func (s *Server) PollJobs(ctx context.Context, req *pb.PollJobsRequest) (*pb.PollJobsResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker id is required")
	}
	n := req.MaxJobs
	if n < 1 {
		n = 1
	}
	if n > maxPollBatch {
		n = maxPollBatch
	}

	jobs, err := s.source.Poll(ctx, req.WorkerID, n)
	if errors.Is(err, worker.ErrDrained) {
		return &pb.PollJobsResponse{Drained: true}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "poll: %v", err)
	}
	return &pb.PollJobsResponse{Jobs: jobs}, nil
}

// AckJob records the outcome of one attempt.
func (s *Server) AckJob(ctx context.Context, req *pb.AckJobRequest) (*pb.AckJobResponse, error) {
	res := worker.ResultFromAck(req)
	err := s.source.Acknowledge(ctx, res)
	switch {
	case err == nil:
	case errors.Is(err, distributor.ErrStaleResult):
		s.logger.Warn("stale result rejected", zap.String("job_id", string(req.JobID)), zap.String("worker_id", req.WorkerID))
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	default:
		return nil, status.Errorf(codes.Internal, "acknowledge: %v", err)
	}
	job, _ := s.source.Job(req.JobID)
	return &pb.AckJobResponse{JobStatus: job.Status}, nil
}

// Heartbeat records a node's load and returns the queue depth.
func (s *Server) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	if err := s.source.Heartbeat(ctx, req.NodeID, req.Load); err != nil {
		return nil, status.Errorf(codes.Internal, "heartbeat: %v", err)
	}
	st := s.source.Status()
	return &pb.HeartbeatResponse{Pending: st.Pending, Running: st.Running}, nil
}
