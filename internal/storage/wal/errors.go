package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates an undecodable record followed by more data.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose content does not match its checksum.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates there is no event to read.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates use after Close.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports the record that failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports an undecodable record.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedWAL }
