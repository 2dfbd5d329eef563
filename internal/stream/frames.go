package stream

import (
	"encoding/json"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

// ============================================================================
// Stream Frame Definitions
// Responsibility: Define the wire frames exchanged with progress
// subscribers
// ============================================================================

// FrameType discriminates server-to-client frames.
type FrameType string

const (
	// FrameProgress reports a percent/message update.
	FrameProgress FrameType = "progress"

	// FrameChunk carries one piece of an oversized result payload. All
	// chunks of one logical event share its sequence number.
	FrameChunk FrameType = "chunk"

	// FrameTerminal is the final frame of an execution: exactly one per
	// job, after which the stream for that job ends.
	FrameTerminal FrameType = "terminal"

	// FrameResync tells the client its resume point was trimmed from the
	// backlog; it must refetch the job status before trusting the stream.
	FrameResync FrameType = "resyncRequired"
)

// Frame is one server-to-client stream message. Seq is a per-execution
// logical sequence starting at 1; chunk frames repeat the sequence of the
// event they belong to.
type Frame struct {
	Type  FrameType   `json:"type"`
	JobID types.JobID `json:"jobId"`
	Seq   uint64      `json:"seq"`

	// Progress fields
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`

	// Chunk fields. Data is a byte range of the result document, base64
	// on the wire; the client concatenates all chunks before parsing.
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
	Data       []byte `json:"data,omitempty"`

	// Terminal fields
	State        types.JobState     `json:"state,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	CancelReason types.CancelReason `json:"cancelReason,omitempty"`

	Timestamp int64 `json:"timestamp"` // Unix ms
}

// ClientAction discriminates client-to-server messages.
type ClientAction string

const (
	ActionSubscribe   ClientAction = "subscribe"
	ActionAck         ClientAction = "ack"
	ActionUnsubscribe ClientAction = "unsubscribe"
)

// ClientMessage is one client-to-server stream message. A subscribe with
// LastDeliveredSeq > 0 resumes delivery at LastDeliveredSeq+1.
type ClientMessage struct {
	Action           ClientAction `json:"action"`
	JobID            types.JobID  `json:"jobId"`
	LastDeliveredSeq uint64       `json:"lastDeliveredSeq,omitempty"`
}
