package journal

// ============================================================================
// Checksum Calculation
// Responsibility: Compute and verify CRC32 checksums for journal events
// ============================================================================

import (
	"hash/crc32"
	"strconv"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event's key
// fields. Timestamp is excluded so checksums stay stable across replays.
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64) uint32 {
	data := string(eventType) + string(jobID) + strconv.FormatUint(seq, 10)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether an event's stored checksum matches its
// recomputed one.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq)
}
