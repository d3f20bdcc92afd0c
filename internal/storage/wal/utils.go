package wal

// ============================================================================
// WAL inspection helpers (used by `jobdist wal` and on open)
// ============================================================================

import (
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent returns the last valid event in the file at path.
// ErrEmptyWAL is returned when the file holds no event.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scan(file, func(ev Event) error {
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents counts events per type.
func CountEvents(path string) (map[EventType]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	counts := make(map[EventType]int)
	err = scan(file, func(ev Event) error {
		counts[ev.Type]++
		return nil
	})
	return counts, err
}

// DumpWAL writes one human-readable line per event:
//
//	[seq:1] ENQUEUE job-001 2024-01-01T00:00:00Z
//	[seq:4] RETRY job-001 2024-01-01T00:00:03Z status=fail_retry reason="did not converge"
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scan(file, func(ev Event) error {
		ts := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("[seq:%d] %s %s %s", ev.Seq, ev.Type, ev.JobID, ts)
		if ev.WorkerID != "" {
			line += " worker=" + ev.WorkerID
		}
		if ev.Status != "" {
			line += " status=" + string(ev.Status)
		}
		if ev.Reason != "" {
			line += fmt.Sprintf(" reason=%q", ev.Reason)
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

// ReadEvents calls fn for every event in the file at path with Seq > afterSeq,
// without opening the log for writing. A missing file holds no events.
func ReadEvents(path string, afterSeq uint64, fn EventHandler) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	return scan(file, func(ev Event) error {
		if ev.Seq <= afterSeq {
			return nil
		}
		return fn(ev)
	})
}
