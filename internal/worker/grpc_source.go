package worker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	pb "github.com/ChuLiYu/jobdist/api/jobqueue/v1"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// GrpcJobSource is a JobSource backed by a remote master over gRPC.
type GrpcJobSource struct {
	client *pb.JobQueueClient
}

// NewGrpcJobSource wraps an established connection.
func NewGrpcJobSource(conn grpc.ClientConnInterface) *GrpcJobSource {
	return &GrpcJobSource{client: pb.NewJobQueueClient(conn)}
}

func (s *GrpcJobSource) Poll(ctx context.Context, workerID string, maxJobs int) ([]*types.Job, error) {
	resp, err := s.client.PollJobs(ctx, &pb.PollJobsRequest{WorkerID: workerID, MaxJobs: maxJobs})
	if err != nil {
		return nil, fmt.Errorf("rpc poll failed: %w", err)
	}
	if resp.Drained {
		return nil, ErrDrained
	}
	return resp.Jobs, nil
}

func (s *GrpcJobSource) Acknowledge(ctx context.Context, result *Result) error {
	req := &pb.AckJobRequest{
		JobID:       result.JobID,
		WorkerID:    result.WorkerID,
		Attempt:     result.Attempt,
		Status:      result.Status,
		OutputError: result.OutputError,
		Error:       result.ErrorString(),
		DurationMs:  result.Duration.Milliseconds(),
	}
	if _, err := s.client.AckJob(ctx, req); err != nil {
		return fmt.Errorf("rpc ack failed: %w", err)
	}
	return nil
}

func (s *GrpcJobSource) Heartbeat(ctx context.Context, nodeID string, load int) error {
	_, err := s.client.Heartbeat(ctx, &pb.HeartbeatRequest{
		NodeID:    nodeID,
		Load:      load,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return nil
}

// ResultFromAck rebuilds a Result on the master side.
func ResultFromAck(req *pb.AckJobRequest) *Result {
	res := &Result{
		JobID:       req.JobID,
		WorkerID:    req.WorkerID,
		Attempt:     req.Attempt,
		Status:      req.Status,
		OutputError: req.OutputError,
		Duration:    time.Duration(req.DurationMs) * time.Millisecond,
	}
	if req.Error != "" {
		res.Err = remoteError(req.Error)
	}
	return res
}

// remoteError carries an error message reported by another process.
type remoteError string

func (e remoteError) Error() string { return string(e) }
