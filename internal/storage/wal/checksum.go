package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of a WAL event
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of every event field except
// Timestamp and Checksum itself.
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Seq)
	h.Write(num[:])
	h.Write([]byte(e.Op))
	h.Write([]byte{0})
	h.Write([]byte(e.Path))
	h.Write([]byte{0})
	h.Write(e.Data)
	binary.BigEndian.PutUint64(num[:], uint64(e.Version))
	h.Write(num[:])
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
