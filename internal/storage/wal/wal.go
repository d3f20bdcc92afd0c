package wal

// ============================================================================
// Write-ahead log
//
// Every job transition is appended here before the job table changes, so
// the table can be rebuilt as: latest snapshot + events with a larger seq.
//
// Format: one JSON event per line, each carrying a CRC32 of its own content.
// A torn final line (crash mid-write) is ignored on replay; an undecodable
// line followed by more data is corruption.
//
// Sequence numbers never restart. Rotate moves the current file aside and
// keeps counting, so a crash between snapshot and rotation replays nothing
// twice: events at or below the snapshot's LastSeq are skipped.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const defaultBufferSize = 256

// FileInterface is the subset of *os.File the WAL writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only event log.
type WAL struct {
	mu     sync.Mutex
	file   FileInterface
	path   string
	seq    uint64
	opts   Options
	buffer []Event
	closed bool
}

// Open opens or creates the log at path and continues numbering after the
// last event in the file, or after opts.MinSeq if that is larger.
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}

	seq := opts.MinSeq
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		if last.Seq > seq {
			seq = last.Seq
		}
	case os.IsNotExist(err), err == ErrEmptyWAL:
	default:
		return nil, fmt.Errorf("wal: read tail of %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	return &WAL{
		file:   file,
		path:   path,
		seq:    seq,
		opts:   opts,
		buffer: make([]Event, 0, opts.BufferSize),
	}, nil
}

// Append stamps ev with the next sequence number, a timestamp and a
// checksum, and writes it. With SyncOnAppend the event is on disk when
// Append returns; otherwise it is once the buffer fills or Flush is called.
func (w *WAL) Append(ev Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ev, ErrWALClosed
	}

	w.seq++
	ev.Seq = w.seq
	ev.Timestamp = time.Now().UnixMilli()
	ev.Checksum = CalculateChecksum(ev)
	w.buffer = append(w.buffer, ev)

	if w.opts.SyncOnAppend || len(w.buffer) >= w.opts.BufferSize {
		if err := w.flushLocked(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Flush writes buffered events and fsyncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay calls handler for every event with Seq > afterSeq, in order.
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	return scan(file, func(ev Event) error {
		if ev.Seq <= afterSeq {
			return nil
		}
		return handler(ev)
	})
}

// Rotate moves the current log to <path>.prev and starts an empty one.
// Call it right after a snapshot covering every event so far.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = file
	return nil
}

// Close flushes and closes the log. The WAL cannot be used afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq returns the sequence number of the last appended event.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// flushLocked expects w.mu to be held.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range w.buffer {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("wal: encode seq=%d: %w", ev.Seq, err)
		}
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

// scan decodes and verifies every event in r.
func scan(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)

	var torn *CorruptionError
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if torn != nil {
			return torn
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			torn = &CorruptionError{Line: line, Cause: err}
			continue
		}
		if err := VerifyChecksum(ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
