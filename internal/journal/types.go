package journal

import (
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define core data structures for the job journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSubmit EventType = "SUBMIT" // Job admitted and queued
	EventAttach EventType = "ATTACH" // Job handle attached to a running execution
	EventStart  EventType = "START"  // Job dispatched to a worker
	EventFinish EventType = "FINISH" // Job reached a terminal state
)

// Event represents one journal record. Every state change is journaled
// before it is applied, so replaying the journal over the last snapshot
// reconstructs the job table exactly.
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job this event concerns
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 checksum

	// Job carries the full record on SUBMIT so replay can rebuild jobs
	// that were admitted after the last snapshot.
	Job *types.Job `json:"job,omitempty"`

	// AttachedTo names the primary execution on ATTACH events.
	AttachedTo types.JobID `json:"attached_to,omitempty"`

	// Terminal outcome, set on FINISH events. Results live in the result
	// cache keyed by fingerprint; the journal records only the pointer.
	State       types.JobState     `json:"state,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Error       string             `json:"error,omitempty"`
	Reason      types.CancelReason `json:"reason,omitempty"`
}

// EventHandler is the function type for processing journal events during
// Replay, applying each event to the job table.
type EventHandler func(event Event) error
