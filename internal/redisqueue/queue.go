// Package redisqueue shares one run's job queue between worker processes
// through Redis.
//
// Keys (all under the configured prefix):
//
//	<p>:queue            list   pending job ids, claimed by claimScript
//	<p>:job:<id>         hash   payload (job JSON), status
//	<p>:running:<worker> hash   job id -> claim time (unix)
//	<p>:heartbeat:<node> string load, expires after HeartbeatTTL
//	<p>:succeeded        set    job ids
//	<p>:failed           zset   score=failed_at_unix, member=job id
//	<p>:inflight         int    claimed jobs not yet acknowledged
//
// claimScript pops an id and counts it in <p>:running and <p>:inflight in one
// step, so a claimed job is never invisible to Drained or RecoverStale. Only
// the claiming worker writes a running job's payload, so payload updates
// need no locking.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/distributor"
	"github.com/ChuLiYu/jobdist/internal/jobmanager"
	"github.com/ChuLiYu/jobdist/internal/worker"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// HeartbeatTTL is how long a node counts as alive after its last heartbeat.
const HeartbeatTTL = 10 * time.Second

// KEYS: queue, running:<worker>, inflight. ARGV: claim time, job key prefix.
// Returns {id, payload} or nil when the queue is empty.
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('HSET', KEYS[2], id, ARGV[1])
redis.call('INCR', KEYS[3])
local payload = redis.call('HGET', ARGV[2] .. id, 'payload')
return {id, payload or ''}
`)

var _ worker.JobSource = (*Queue)(nil)

// Queue is a worker.JobSource over Redis.
type Queue struct {
	rdb    *redis.Client
	prefix string
	runID  string
	owned  bool
	logger *zap.Logger
}

// New connects to the Redis server at url.
func New(url, prefix, runID string, logger *zap.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &types.ConfigError{Component: "queue", Name: "redis", Err: err}
	}
	q := NewFromClient(redis.NewClient(opts), prefix, runID, logger)
	q.owned = true
	return q, nil
}

// NewFromClient uses an existing client; Close leaves it open.
func NewFromClient(rdb *redis.Client, prefix, runID string, logger *zap.Logger) *Queue {
	if prefix == "" {
		prefix = "jobdist"
	}
	return &Queue{rdb: rdb, prefix: prefix, runID: runID, logger: logger.Named("redisqueue")}
}

func (q *Queue) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *Queue) jobKey(id types.JobID) string { return q.key("job", string(id)) }

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Reset deletes every key under the prefix, discarding the previous run.
func (q *Queue) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.prefix+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Enqueue adds jobs not already stored under the prefix and returns how
// many were added. Known jobs keep their state, so a rerun resumes.
func (q *Queue) Enqueue(ctx context.Context, jobs []*types.Job) (int, error) {
	added := 0
	now := time.Now().UnixMilli()
	for _, j := range jobs {
		key := q.jobKey(j.ID)
		exists, err := q.rdb.Exists(ctx, key).Result()
		if err != nil {
			return added, fmt.Errorf("check job %s: %w", j.ID, err)
		}
		if exists > 0 {
			continue
		}

		job := *j
		if job.MaxTrials < 1 {
			job.MaxTrials = 1
		}
		job.Status = types.StatusPending
		job.CreatedAt, job.UpdatedAt = now, now
		payload, err := json.Marshal(job)
		if err != nil {
			return added, fmt.Errorf("failed to marshal job: %w", err)
		}

		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"payload": string(payload),
			"status":  string(types.StatusPending),
		})
		pipe.RPush(ctx, q.key("queue"), string(job.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return added, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
		added++
	}
	if added > 0 {
		q.logger.Info("jobs enqueued", zap.Int("added", added), zap.Int("skipped", len(jobs)-added))
	}
	return added, nil
}

// Poll claims up to maxJobs pending jobs.
func (q *Queue) Poll(ctx context.Context, workerID string, maxJobs int) ([]*types.Job, error) {
	running := q.key("running", workerID)
	jobs := make([]*types.Job, 0, maxJobs)
	for len(jobs) < maxJobs {
		claimed, err := claimScript.Run(ctx, q.rdb,
			[]string{q.key("queue"), running, q.key("inflight")},
			time.Now().Unix(), q.key("job")+":").StringSlice()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("failed to claim job: %w", err)
		}
		if len(claimed) != 2 {
			return jobs, fmt.Errorf("failed to claim job: unexpected reply %q", claimed)
		}
		id := types.JobID(claimed[0])

		job, err := decode(id, claimed[1])
		if err != nil {
			q.logger.Error("dropping unreadable job", zap.String("job_id", string(id)), zap.Error(err))
			q.markFailed(ctx, id, running, err)
			continue
		}

		job.Status = types.StatusRunning
		job.Attempt++
		job.WorkerID = workerID
		job.UpdatedAt = time.Now().UnixMilli()

		pipe := q.rdb.TxPipeline()
		q.store(ctx, pipe, job)
		if _, err := pipe.Exec(ctx); err != nil {
			// hand it back so another worker can take it
			undo := q.rdb.TxPipeline()
			undo.HDel(ctx, running, string(id))
			undo.Decr(ctx, q.key("inflight"))
			undo.LPush(ctx, q.key("queue"), string(id))
			if _, uerr := undo.Exec(ctx); uerr != nil {
				q.logger.Error("failed to return job to queue", zap.String("job_id", string(id)), zap.Error(uerr))
			}
			return jobs, fmt.Errorf("failed to mark job as running: %w", err)
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		drained, err := q.Drained(ctx)
		if err != nil {
			return nil, err
		}
		if drained {
			return nil, worker.ErrDrained
		}
	}
	return jobs, nil
}

// Acknowledge applies an attempt result, following the same transitions as
// the local distributor.
func (q *Queue) Acknowledge(ctx context.Context, res *worker.Result) error {
	job, err := q.load(ctx, res.JobID)
	if err != nil {
		return err
	}
	if err := distributor.CheckClaim(*job, res); err != nil {
		return err
	}

	next := jobmanager.Next(*job, res.Status)
	if res.OutputError {
		next = types.StatusFailed
	}
	reason := res.ErrorString()
	if next == types.StatusFailed && res.Status.Retryable() {
		reason = fmt.Sprintf("trials exhausted after %d attempts: %s", job.Attempt, reason)
	}

	workerID := job.WorkerID
	job.Status = next
	job.LastStatus = res.Status
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()
	if next != types.StatusSucceeded {
		job.Error = reason
	}

	pipe := q.rdb.TxPipeline()
	q.store(ctx, pipe, job)
	pipe.HDel(ctx, q.key("running", workerID), string(job.ID))
	pipe.Decr(ctx, q.key("inflight"))
	switch next {
	case types.StatusSucceeded:
		pipe.SAdd(ctx, q.key("succeeded"), string(job.ID))
	case types.StatusPending:
		pipe.RPush(ctx, q.key("queue"), string(job.ID))
	default:
		pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(time.Now().Unix()), Member: string(job.ID)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record result for %s: %w", job.ID, err)
	}

	q.logger.Debug("job acknowledged",
		zap.String("job_id", string(job.ID)),
		zap.String("worker_id", res.WorkerID),
		zap.String("status", string(next)))
	return nil
}

// Heartbeat marks a node alive for HeartbeatTTL.
func (q *Queue) Heartbeat(ctx context.Context, nodeID string, load int) error {
	return q.rdb.Set(ctx, q.key("heartbeat", nodeID), load, HeartbeatTTL).Err()
}

// RecoverStale returns jobs held by workers of dead nodes to the front of
// the queue. A worker id belongs to the node named before its last "-", as
// assigned by worker.Pool. The interrupted attempt is not counted.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := q.rdb.Scan(ctx, cursor, q.key("running", "*"), 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan running jobs: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	recovered := 0
	for _, key := range keys {
		workerID := strings.TrimPrefix(key, q.key("running")+":")
		alive, err := q.rdb.Exists(ctx, q.key("heartbeat", worker.NodeOf(workerID))).Result()
		if err != nil {
			return recovered, err
		}
		if alive > 0 {
			continue
		}

		ids, err := q.rdb.HKeys(ctx, key).Result()
		if err != nil {
			return recovered, err
		}
		for _, id := range ids {
			job, err := q.load(ctx, types.JobID(id))
			if err != nil {
				return recovered, err
			}
			job.Status = types.StatusPending
			job.Attempt--
			job.WorkerID = ""

			pipe := q.rdb.TxPipeline()
			q.store(ctx, pipe, job)
			pipe.HDel(ctx, key, id)
			pipe.Decr(ctx, q.key("inflight"))
			pipe.LPush(ctx, q.key("queue"), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return recovered, fmt.Errorf("requeue %s: %w", id, err)
			}
			recovered++
			q.logger.Warn("recovered job from dead worker", zap.String("job_id", id), zap.String("worker_id", workerID))
		}
	}
	return recovered, nil
}

// Drained reports whether nothing is pending or in flight.
func (q *Queue) Drained(ctx context.Context) (bool, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats["pending"] == 0 && stats["running"] <= 0, nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.key("queue"))
	succeeded := pipe.SCard(ctx, q.key("succeeded"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	inflight := pipe.Get(ctx, q.key("inflight"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}
	running, err := inflight.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	stats := map[string]int{
		"pending":   int(pending.Val()),
		"running":   running,
		"succeeded": int(succeeded.Val()),
		"failed":    int(failed.Val()),
	}
	stats["total"] = stats["pending"] + stats["running"] + stats["succeeded"] + stats["failed"]
	return stats, nil
}

// Report builds the end-of-run summary.
func (q *Queue) Report(ctx context.Context) (distributor.Report, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return distributor.Report{}, err
	}
	r := distributor.Report{
		RunID:     q.runID,
		Total:     stats["total"],
		Succeeded: stats["succeeded"],
		Failed:    stats["failed"],
		Pending:   stats["pending"],
		Running:   stats["running"],
	}

	ids, err := q.rdb.ZRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return r, fmt.Errorf("list failed jobs: %w", err)
	}
	for _, id := range ids {
		f := distributor.Failure{ID: types.JobID(id)}
		if job, err := q.load(ctx, types.JobID(id)); err == nil {
			f.OutputTag = job.OutputTag
			f.Status = job.LastStatus
			f.Trials = job.Attempt
			f.Error = job.Error
		}
		r.Failures = append(r.Failures, f)
	}
	return r, nil
}

// Close closes the client if the queue opened it.
func (q *Queue) Close() error {
	if !q.owned {
		return nil
	}
	return q.rdb.Close()
}

func (q *Queue) load(ctx context.Context, id types.JobID) (*types.Job, error) {
	raw, err := q.rdb.HGet(ctx, q.jobKey(id), "payload").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return decode(id, raw)
}

func decode(id types.JobID, raw string) (*types.Job, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, id)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) store(ctx context.Context, pipe redis.Pipeliner, job *types.Job) {
	payload, _ := json.Marshal(job)
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"payload": string(payload),
		"status":  string(job.Status),
	})
}

// markFailed parks a claimed job whose payload cannot be read so workers do
// not loop on it.
func (q *Queue) markFailed(ctx context.Context, id types.JobID, running string, cause error) {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, running, string(id))
	pipe.Decr(ctx, q.key("inflight"))
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"status": string(types.StatusFailed),
		"error":  cause.Error(),
	})
	pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(time.Now().Unix()), Member: string(id)})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to park unreadable job", zap.String("job_id", string(id)), zap.Error(err))
	}
}
