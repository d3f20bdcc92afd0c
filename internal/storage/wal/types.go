package wal

import "github.com/ChuLiYu/jobdist/pkg/types"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType names one job transition.
type EventType string

const (
	EventEnqueue EventType = "ENQUEUE" // job added; carries the full job
	EventClaim   EventType = "CLAIM"   // pending -> running
	EventSucceed EventType = "SUCCEED" // running -> succeeded, output committed
	EventRetry   EventType = "RETRY"   // running -> pending (back of the queue)
	EventFail    EventType = "FAIL"    // running -> failed
	EventRecover EventType = "RECOVER" // running -> pending (front), worker gone, attempt refunded
)

// Event is one WAL record.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	JobID     types.JobID `json:"job_id"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds

	WorkerID string            `json:"worker_id,omitempty"`
	Status   types.MoverStatus `json:"status,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Job      *types.Job        `json:"job,omitempty"`

	Checksum uint32 `json:"checksum"`
}

// EventHandler applies one replayed event. Returning an error stops Replay.
type EventHandler func(event Event) error

// Options tunes durability.
type Options struct {
	// SyncOnAppend flushes and fsyncs on every Append.
	SyncOnAppend bool
	// BufferSize is the number of events buffered before a flush.
	BufferSize int
	// MinSeq is the lowest sequence number the next event may follow,
	// normally the LastSeq of the snapshot the WAL was rotated after.
	MinSeq uint64
}
