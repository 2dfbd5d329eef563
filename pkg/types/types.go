// Package types defines the core domain models shared across the
// capability registry and job scheduling subsystem.
package types

import "encoding/json"

// JobID uniquely identifies one tracked execution handle.
type JobID string

// JobState describes where a job is in its lifecycle.
type JobState string

// Job lifecycle states. Terminal states are sinks: no transition ever
// leaves Succeeded, Failed or Cancelled.
const (
	StateQueued    JobState = "queued"    // accepted, waiting for a worker slot
	StateRunning   JobState = "running"   // a worker is executing the capability
	StateSucceeded JobState = "succeeded" // finished with a result payload
	StateFailed    JobState = "failed"    // finished with an error payload
	StateCancelled JobState = "cancelled" // cancelled before or during execution
)

// Terminal reports whether the state is a sink.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CancelReason distinguishes why a job ended up Cancelled.
type CancelReason string

const (
	ReasonRequested        CancelReason = "requested"
	ReasonDeadlineExceeded CancelReason = "deadline_exceeded"
	ReasonGraceTimeout     CancelReason = "grace_timeout"
	ReasonServerRestarted  CancelReason = "server_restarted"
)

// Job represents one tracked execution of a capability against specific
// inputs. Timestamps are Unix milliseconds and are monotonically
// non-decreasing: SubmittedAt <= StartedAt <= FinishedAt.
type Job struct {
	// Identity and work definition
	ID             JobID           `json:"id"`
	CapabilityName string          `json:"capability"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	InputRef       string          `json:"input_ref,omitempty"`
	Principal      string          `json:"principal,omitempty"`
	Fingerprint    string          `json:"fingerprint"`

	// Lifecycle tracking
	State           JobState `json:"state"`
	ProgressPercent int      `json:"progress_percent"`
	SubmittedAt     int64    `json:"submitted_at"`
	StartedAt       int64    `json:"started_at,omitempty"`
	FinishedAt      int64    `json:"finished_at,omitempty"`
	DeadlineMs      *int64   `json:"deadline_ms,omitempty"`

	// Terminal payload: Result and Error are mutually exclusive and
	// populated only once State.Terminal() holds.
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CancelReason CancelReason    `json:"cancel_reason,omitempty"`

	// AttachedTo links this handle to the primary execution when an
	// identical fingerprint was already in flight at submission time.
	AttachedTo JobID `json:"attached_to,omitempty"`

	// FromCache marks jobs answered directly from the result cache.
	FromCache bool `json:"from_cache,omitempty"`
}

// Clone returns a deep copy safe to hand to callers while the scheduler
// keeps mutating the original.
func (j *Job) Clone() Job {
	out := *j
	if j.Parameters != nil {
		out.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.DeadlineMs != nil {
		d := *j.DeadlineMs
		out.DeadlineMs = &d
	}
	return out
}

// SnapshotData is the persisted form of terminal job records. Only
// terminal jobs survive restarts; anything Queued or Running at crash
// time is re-recorded as Failed with ReasonServerRestarted during
// recovery.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
}
