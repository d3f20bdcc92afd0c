// Package jobqueuev1 is the master/worker RPC surface of jobdist.
//
// The service is declared by hand instead of generated: every method takes
// and returns a wrapperspb.BytesValue carrying a JSON document, so the
// default protobuf codec moves the bytes and the payload types live here as
// plain Go structs.
//
//	service jobdist.v1.JobQueue {
//	  rpc PollJobs(PollJobsRequest)   returns (PollJobsResponse);
//	  rpc AckJob(AckJobRequest)       returns (AckJobResponse);
//	  rpc Heartbeat(HeartbeatRequest) returns (HeartbeatResponse);
//	}
package jobqueuev1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

const ServiceName = "jobdist.v1.JobQueue"

const (
	PollJobsMethod  = "/" + ServiceName + "/PollJobs"
	AckJobMethod    = "/" + ServiceName + "/AckJob"
	HeartbeatMethod = "/" + ServiceName + "/Heartbeat"
)

type PollJobsRequest struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
}

type PollJobsResponse struct {
	Jobs []*types.Job `json:"jobs"`
	// Drained is set once nothing is pending or running, or the run was
	// aborted. Workers exit when they see it.
	Drained bool `json:"drained"`
}

type AckJobRequest struct {
	JobID       types.JobID       `json:"job_id"`
	WorkerID    string            `json:"worker_id"`
	Attempt     int               `json:"attempt"`
	Status      types.MoverStatus `json:"status"`
	OutputError bool              `json:"output_error,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

type AckJobResponse struct {
	JobStatus types.JobStatus `json:"job_status"`
}

type HeartbeatRequest struct {
	NodeID    string `json:"node_id"`
	Load      int    `json:"load"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatResponse struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// JobQueueServer is implemented by the master.
type JobQueueServer interface {
	PollJobs(context.Context, *PollJobsRequest) (*PollJobsResponse, error)
	AckJob(context.Context, *AckJobRequest) (*AckJobResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

// RegisterJobQueueServer attaches srv to s.
func RegisterJobQueueServer(s grpc.ServiceRegistrar, srv JobQueueServer) {
	s.RegisterService(&JobQueueServiceDesc, srv)
}

var JobQueueServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PollJobs", Handler: unaryHandler(PollJobsMethod, JobQueueServer.PollJobs)},
		{MethodName: "AckJob", Handler: unaryHandler(AckJobMethod, JobQueueServer.AckJob)},
		{MethodName: "Heartbeat", Handler: unaryHandler(HeartbeatMethod, JobQueueServer.Heartbeat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobdist/v1/jobqueue.proto",
}

// unaryHandler adapts a typed server method to the BytesValue wire form.
func unaryHandler[Req, Resp any](fullMethod string, call func(JobQueueServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			var typed Req
			if err := json.Unmarshal(req.(*wrapperspb.BytesValue).GetValue(), &typed); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			resp, err := call(srv.(JobQueueServer), ctx, &typed)
			if err != nil {
				return nil, err
			}
			return encode(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func encode(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// JobQueueClient is the worker side of the service.
type JobQueueClient struct {
	cc grpc.ClientConnInterface
}

func NewJobQueueClient(cc grpc.ClientConnInterface) *JobQueueClient {
	return &JobQueueClient{cc: cc}
}

func (c *JobQueueClient) PollJobs(ctx context.Context, in *PollJobsRequest, opts ...grpc.CallOption) (*PollJobsResponse, error) {
	out := new(PollJobsResponse)
	if err := invoke(ctx, c.cc, PollJobsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobQueueClient) AckJob(ctx context.Context, in *AckJobRequest, opts ...grpc.CallOption) (*AckJobResponse, error) {
	out := new(AckJobResponse)
	if err := invoke(ctx, c.cc, AckJobMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobQueueClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := invoke(ctx, c.cc, HeartbeatMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, in, out any, opts ...grpc.CallOption) error {
	req, err := encode(in)
	if err != nil {
		return err
	}
	resp := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, method, req, resp, opts...); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.GetValue(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
