package stream

// ============================================================================
// Progress Channel Manager
// Responsibility:
// 1. Maintain one ordered event log per execution with sequence numbers
//    starting at 1
// 2. Fan frames out to subscribers, replaying missed frames on reconnect
// 3. Split oversized result payloads into chunk frames
// 4. Signal resyncRequired when a resume point was trimmed from the backlog
// 5. Retain terminal logs briefly so late subscribers still get the outcome
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var (
	// ErrUnknownJob means no live or retained stream exists for the job.
	ErrUnknownJob = errors.New("stream: unknown job")

	// ErrSlowSubscriber means a sink failed or stalled past its deadline
	// and was disconnected.
	ErrSlowSubscriber = errors.New("stream: subscriber too slow")
)

// Sink delivers frames to one subscriber. Send must apply its own write
// deadline and return an error when the client cannot keep up; the
// manager disconnects the subscriber on the first Send error.
type Sink interface {
	Send(Frame) error
}

// Config bounds the channel manager.
type Config struct {
	// MaxBacklog caps retained logical events per execution. Older events
	// are trimmed; subscribers resuming before the trim point get a
	// resyncRequired frame. 0 means a default of 256.
	MaxBacklog int

	// ChunkThreshold is the payload size above which results are split
	// into chunk frames. 0 means a default of 256 KiB.
	ChunkThreshold int

	// Retention is how long a terminal execution's log stays available
	// for late or reconnecting subscribers. 0 means a default of 10m.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 256
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = 256 * 1024
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
}

// subscriber is one live stream consumer, woken through notify whenever
// the log grows.
type subscriber struct {
	notify chan struct{}
}

// eventLog is the ordered per-execution frame history. Frames of one
// logical event (chunk group plus its closing frame) share a sequence
// number and are trimmed together.
type eventLog struct {
	mu         sync.Mutex
	frames     []Frame
	nextSeq    uint64 // next logical sequence to assign
	trimmed    bool   // at least one event was dropped from the front
	lastPct    int
	terminal   bool
	finishedAt time.Time
	subs       map[*subscriber]struct{}
}

// Manager owns every execution's event log and the handle aliases that
// point attached jobIds at their primary execution.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	logs   map[types.JobID]*eventLog
	alias  map[types.JobID]types.JobID
	nsubs  int
	logger *slog.Logger
}

// NewManager creates a channel manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		logs:   make(map[types.JobID]*eventLog),
		alias:  make(map[types.JobID]types.JobID),
		logger: logger,
	}
}

// Open creates the event log for a new execution. Sequencing starts at 1
// with the first published frame.
func (m *Manager) Open(execID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.logs[execID]; exists {
		return
	}
	m.logs[execID] = &eventLog{
		nextSeq: 1,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Attach points a job handle at the primary execution carrying the same
// fingerprint. Subscribers of the handle observe the primary's frames
// with the jobId field rewritten to the handle.
func (m *Manager) Attach(handleID, execID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alias[handleID] = execID
}

// PublishProgress appends a progress frame. Regressing percent values
// are dropped so subscribers only ever see progress move forward; equal
// values are allowed so the message can change. Publishing to a terminal
// execution is a no-op.
func (m *Manager) PublishProgress(execID types.JobID, percent int, message string) {
	l := m.lookup(execID)
	if l == nil {
		return
	}

	l.mu.Lock()
	if l.terminal || percent < l.lastPct {
		l.mu.Unlock()
		return
	}
	if percent > 100 {
		percent = 100
	}
	l.lastPct = percent
	seq := l.nextSeq
	l.nextSeq++
	l.append(Frame{
		Type:      FrameProgress,
		JobID:     execID,
		Seq:       seq,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}, m.cfg.MaxBacklog)
	l.wake()
	l.mu.Unlock()
}

// PublishTerminal appends the final frames of an execution: chunk frames
// for an oversized result, then exactly one terminal frame. Further
// publishes are ignored.
func (m *Manager) PublishTerminal(execID types.JobID, state types.JobState, result json.RawMessage, errMsg string, reason types.CancelReason) {
	l := m.lookup(execID)
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminal {
		return
	}

	seq := l.nextSeq
	l.nextSeq++
	now := time.Now().UnixMilli()

	term := Frame{
		Type:         FrameTerminal,
		JobID:        execID,
		Seq:          seq,
		State:        state,
		Error:        errMsg,
		CancelReason: reason,
		Timestamp:    now,
	}

	if len(result) > m.cfg.ChunkThreshold {
		chunks := chunkPayload(result, m.cfg.ChunkThreshold)
		for i, data := range chunks {
			l.append(Frame{
				Type:       FrameChunk,
				JobID:      execID,
				Seq:        seq,
				ChunkIndex: i,
				ChunkCount: len(chunks),
				Data:       data,
				Timestamp:  now,
			}, m.cfg.MaxBacklog)
		}
	} else {
		term.Result = result
	}

	l.append(term, m.cfg.MaxBacklog)
	l.terminal = true
	l.finishedAt = time.Now()
	l.wake()
}

// Subscribe streams frames for jobID into sink, starting after
// lastDelivered, and blocks until the terminal frame has been sent, the
// context ends, or the sink fails. Frames are rewritten to carry the
// subscriber's jobID so attached handles see their own id.
func (m *Manager) Subscribe(ctx context.Context, jobID types.JobID, lastDelivered uint64, sink Sink) error {
	m.mu.Lock()
	execID := m.resolveLocked(jobID)
	l, exists := m.logs[execID]
	if !exists {
		m.mu.Unlock()
		return ErrUnknownJob
	}
	sub := &subscriber{notify: make(chan struct{}, 1)}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	m.nsubs++
	m.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
		m.mu.Lock()
		m.nsubs--
		m.mu.Unlock()
	}()

	resumeAt := lastDelivered + 1
	cursor := 0
	sentResync := false

	for {
		l.mu.Lock()
		// Detect a resume point that fell off the retained backlog.
		if !sentResync {
			sentResync = true
			if len(l.frames) > 0 && l.trimmed && resumeAt < l.frames[0].Seq {
				l.mu.Unlock()
				if err := sink.Send(Frame{
					Type:      FrameResync,
					JobID:     jobID,
					Timestamp: time.Now().UnixMilli(),
				}); err != nil {
					return fmt.Errorf("%w: %v", ErrSlowSubscriber, err)
				}
				l.mu.Lock()
			}
		}

		var pending []Frame
		for ; cursor < len(l.frames); cursor++ {
			f := l.frames[cursor]
			if f.Seq < resumeAt {
				continue
			}
			f.JobID = jobID
			pending = append(pending, f)
		}
		done := l.terminal && cursor == len(l.frames)
		l.mu.Unlock()

		for _, f := range pending {
			if err := sink.Send(f); err != nil {
				return fmt.Errorf("%w: %v", ErrSlowSubscriber, err)
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.notify:
		}
	}
}

// Status returns the latest observed percent and whether the execution
// has finished. Used by handlers answering plain status queries.
func (m *Manager) Status(jobID types.JobID) (percent int, terminal bool, ok bool) {
	m.mu.RLock()
	execID := m.resolveRLocked(jobID)
	l, exists := m.logs[execID]
	m.mu.RUnlock()
	if !exists {
		return 0, false, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPct, l.terminal, true
}

// Subscribers returns the number of live subscribers across all streams.
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nsubs
}

// Sweep drops terminal logs older than the retention window that no one
// is subscribed to, along with aliases pointing at them. Returns the
// number of logs removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, l := range m.logs {
		l.mu.Lock()
		expired := l.terminal && len(l.subs) == 0 && now.Sub(l.finishedAt) > m.cfg.Retention
		l.mu.Unlock()
		if !expired {
			continue
		}
		delete(m.logs, id)
		removed++
		for handle, exec := range m.alias {
			if exec == id {
				delete(m.alias, handle)
			}
		}
	}
	return removed
}

// Detach removes one handle's alias, leaving the primary execution and
// its other handles untouched. Used when an attached handle is cancelled
// on its own.
func (m *Manager) Detach(handleID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alias, handleID)
}

// Drop removes a stream immediately regardless of retention. Used when a
// job record itself is purged.
func (m *Manager) Drop(execID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, execID)
	for handle, exec := range m.alias {
		if exec == execID {
			delete(m.alias, handle)
		}
	}
}

func (m *Manager) lookup(execID types.JobID) *eventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logs[execID]
}

func (m *Manager) resolveLocked(jobID types.JobID) types.JobID {
	if exec, exists := m.alias[jobID]; exists {
		return exec
	}
	return jobID
}

func (m *Manager) resolveRLocked(jobID types.JobID) types.JobID {
	if exec, exists := m.alias[jobID]; exists {
		return exec
	}
	return jobID
}

// append adds a frame and trims whole logical events from the front once
// the backlog exceeds maxBacklog. Caller holds l.mu.
func (l *eventLog) append(f Frame, maxBacklog int) {
	l.frames = append(l.frames, f)

	logical := countLogical(l.frames)
	for logical > maxBacklog {
		first := l.frames[0].Seq
		i := 0
		for i < len(l.frames) && l.frames[i].Seq == first {
			i++
		}
		l.frames = l.frames[i:]
		l.trimmed = true
		logical--
	}
}

// wake nudges every subscriber without blocking. Caller holds l.mu.
func (l *eventLog) wake() {
	for sub := range l.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func countLogical(frames []Frame) int {
	n := 0
	var prev uint64
	for _, f := range frames {
		if f.Seq != prev {
			n++
			prev = f.Seq
		}
	}
	return n
}

// chunkPayload splits a payload into threshold-sized byte ranges. The
// client reassembles them by concatenation before parsing.
func chunkPayload(payload json.RawMessage, threshold int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(payload); off += threshold {
		end := off + threshold
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, append([]byte(nil), payload[off:end]...))
	}
	return chunks
}
