package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/ChuLiYu/jobdist/api/jobqueue/v1"
	"github.com/ChuLiYu/jobdist/internal/distributor"
	"github.com/ChuLiYu/jobdist/internal/protocol"
	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// startServer runs a Server over an in-memory listener and returns a
// client connection to it.
func startServer(t *testing.T, d *distributor.Distributor) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(d, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func openDistributor(t *testing.T, jobs []*types.Job) *distributor.Distributor {
	t.Helper()
	dir := t.TempDir()
	d, err := distributor.Open(distributor.Config{
		RunID:        "grpc-test",
		WALPath:      filepath.Join(dir, "jobs.wal"),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	_, err = d.Enqueue(jobs)
	require.NoError(t, err)
	return d
}

func makeJobs(n int, proto string, trials int) []*types.Job {
	jobs := make([]*types.Job, n)
	for i := range jobs {
		id := fmt.Sprintf("job-%02d", i)
		jobs[i] = &types.Job{ID: types.JobID(id), Protocol: proto, OutputTag: id, MaxTrials: trials}
	}
	return jobs
}

func TestPollAndAckOverGRPC(t *testing.T) {
	d := openDistributor(t, makeJobs(2, "p", 2))
	client := pb.NewJobQueueClient(startServer(t, d))
	ctx := context.Background()

	resp, err := client.PollJobs(ctx, &pb.PollJobsRequest{WorkerID: "remote-0", MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)
	job := resp.Jobs[0]
	assert.Equal(t, types.JobID("job-00"), job.ID)
	assert.Equal(t, 1, job.Attempt)

	ack, err := client.AckJob(ctx, &pb.AckJobRequest{JobID: job.ID, WorkerID: "remote-0", Attempt: 1, Status: types.MoverFailRetry, Error: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, ack.JobStatus)

	got, _ := d.Job(job.ID)
	assert.Equal(t, "flaky", got.Error)

	hb, err := client.Heartbeat(ctx, &pb.HeartbeatRequest{NodeID: "remote", Load: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, hb.Pending)
	assert.Len(t, d.Status().Workers, 1)
}

func TestAckErrorsMapToCodes(t *testing.T) {
	d := openDistributor(t, makeJobs(1, "p", 1))
	client := pb.NewJobQueueClient(startServer(t, d))
	ctx := context.Background()

	_, err := client.AckJob(ctx, &pb.AckJobRequest{JobID: "ghost", Attempt: 1, Status: types.MoverSuccess})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.AckJob(ctx, &pb.AckJobRequest{JobID: "job-00", Attempt: 1, Status: types.MoverSuccess})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "job was never claimed")

	_, err = client.PollJobs(ctx, &pb.PollJobsRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDrainedOverGRPC(t *testing.T) {
	d := openDistributor(t, nil)
	src := worker.NewGrpcJobSource(startServer(t, d))

	_, err := src.Poll(context.Background(), "remote-0", 1)
	assert.ErrorIs(t, err, worker.ErrDrained)
}

type nullOutput struct{}

func (nullOutput) Accept(context.Context, *structure.Handle, string) error { return nil }
func (nullOutput) Close() error                                            { return nil }

func TestRemotePoolDrainsRun(t *testing.T) {
	jobs := append(makeJobs(30, "ok", 1), &types.Job{ID: "flaky", Protocol: "retry", OutputTag: "flaky", MaxTrials: 2})
	d := openDistributor(t, jobs)
	src := worker.NewGrpcJobSource(startServer(t, d))

	reg := registry.NewWithBuiltins()
	ok, err := protocol.Compile(reg, "ok", []byte("movers:\n  t: {type: AddTag, tag: done}\nprotocol: [t]\n"))
	require.NoError(t, err)
	retry, err := protocol.Compile(reg, "retry", []byte("movers:\n  r: {type: Status, status: fail_retry}\nprotocol: [r]\n"))
	require.NoError(t, err)
	exec := worker.NewExecutor(structure.NewSourceLoader(""), protocol.NewLibrary(ok, retry), nullOutput{}, zap.NewNop())

	pool, err := worker.NewPool(worker.PoolConfig{NodeID: "remote", Workers: 4, PollInterval: time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}, src, exec, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx))
	require.NoError(t, ctx.Err())

	r := d.Report()
	assert.Equal(t, 30, r.Succeeded)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, 2, r.Failures[0].Trials)
	assert.Contains(t, r.Failures[0].Error, "trials exhausted after 2 attempts")
}
