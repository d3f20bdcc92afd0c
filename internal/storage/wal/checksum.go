package wal

// ============================================================================
// Checksums
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of the event's JSON encoding
// with the Checksum field zeroed. Every field, the job included, is covered.
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum recomputes an event's checksum.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
