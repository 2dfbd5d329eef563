package stream

// ============================================================================
// Progress Channel Manager Tests
// Responsibility: Verify ordering, replay, chunking, resync signalling,
// attachment aliasing, and slow-subscriber disconnection
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

// collectSink gathers frames in memory.
type collectSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *collectSink) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *collectSink) all() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// failSink errors after accepting n frames.
type failSink struct {
	accept int
	sent   int
}

func (s *failSink) Send(Frame) error {
	if s.sent >= s.accept {
		return errors.New("write deadline exceeded")
	}
	s.sent++
	return nil
}

func TestSubscribeReceivesOrderedFrames(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	m.PublishProgress("job-001", 10, "loading data")
	m.PublishProgress("job-001", 50, "fitting")
	m.PublishTerminal("job-001", types.StateSucceeded, json.RawMessage(`{"mean":2.5}`), "", "")

	sink := &collectSink{}
	err := m.Subscribe(context.Background(), "job-001", 0, sink)
	require.NoError(t, err)

	frames := sink.all()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq, "sequence starts at 1 and increments")
		assert.Equal(t, types.JobID("job-001"), f.JobID)
	}
	assert.Equal(t, FrameProgress, frames[0].Type)
	assert.Equal(t, 10, frames[0].Percent)
	assert.Equal(t, FrameTerminal, frames[2].Type)
	assert.Equal(t, types.StateSucceeded, frames[2].State)
	assert.JSONEq(t, `{"mean":2.5}`, string(frames[2].Result))
}

func TestLiveSubscriberSeesFramesAsPublished(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	sink := &collectSink{}
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(context.Background(), "job-001", 0, sink)
	}()

	// Let the subscriber attach before publishing.
	require.Eventually(t, func() bool { return m.Subscribers() == 1 },
		time.Second, 5*time.Millisecond)

	m.PublishProgress("job-001", 30, "working")
	m.PublishTerminal("job-001", types.StateFailed, nil, "singular matrix", "")

	require.NoError(t, <-done)
	frames := sink.all()
	require.Len(t, frames, 2)
	assert.Equal(t, FrameTerminal, frames[1].Type)
	assert.Equal(t, "singular matrix", frames[1].Error)
	assert.Equal(t, 0, m.Subscribers())
}

func TestProgressNeverRegresses(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	m.PublishProgress("job-001", 40, "")
	m.PublishProgress("job-001", 20, "stale update")
	m.PublishProgress("job-001", 60, "")
	m.PublishTerminal("job-001", types.StateSucceeded, nil, "", "")

	sink := &collectSink{}
	require.NoError(t, m.Subscribe(context.Background(), "job-001", 0, sink))

	frames := sink.all()
	require.Len(t, frames, 3, "regressing update is dropped")
	assert.Equal(t, 40, frames[0].Percent)
	assert.Equal(t, 60, frames[1].Percent)
}

func TestResumeAfterDisconnect(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	m.PublishProgress("job-001", 25, "")
	m.PublishProgress("job-001", 50, "")
	m.PublishProgress("job-001", 75, "")
	m.PublishTerminal("job-001", types.StateSucceeded, nil, "", "")

	// Client already delivered through seq 2; resume picks up at 3.
	sink := &collectSink{}
	require.NoError(t, m.Subscribe(context.Background(), "job-001", 2, sink))

	frames := sink.all()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(3), frames[0].Seq)
	assert.Equal(t, 75, frames[0].Percent)
	assert.Equal(t, FrameTerminal, frames[1].Type)
}

func TestResyncRequiredWhenBacklogTrimmed(t *testing.T) {
	m := NewManager(Config{MaxBacklog: 4}, nil)
	m.Open("job-001")

	for i := 1; i <= 20; i++ {
		m.PublishProgress("job-001", i*5, fmt.Sprintf("step %d", i))
	}
	m.PublishTerminal("job-001", types.StateSucceeded, nil, "", "")

	sink := &collectSink{}
	require.NoError(t, m.Subscribe(context.Background(), "job-001", 1, sink))

	frames := sink.all()
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameResync, frames[0].Type, "trimmed resume point forces resync")
	assert.Equal(t, FrameTerminal, frames[len(frames)-1].Type)

	// Everything after the resync frame is the retained tail, in order.
	var prev uint64
	for _, f := range frames[1:] {
		assert.GreaterOrEqual(t, f.Seq, prev)
		prev = f.Seq
	}
}

func TestLargeResultIsChunked(t *testing.T) {
	m := NewManager(Config{ChunkThreshold: 64}, nil)
	m.Open("job-001")

	payload := json.RawMessage(fmt.Sprintf(`{"samples":%q}`, string(make([]byte, 200))))
	m.PublishTerminal("job-001", types.StateSucceeded, payload, "", "")

	sink := &collectSink{}
	require.NoError(t, m.Subscribe(context.Background(), "job-001", 0, sink))

	frames := sink.all()
	require.GreaterOrEqual(t, len(frames), 3)

	var reassembled []byte
	for _, f := range frames[:len(frames)-1] {
		assert.Equal(t, FrameChunk, f.Type)
		assert.Equal(t, frames[len(frames)-1].Seq, f.Seq, "chunks share the terminal event's sequence")
		reassembled = append(reassembled, f.Data...)
	}
	assert.Equal(t, []byte(payload), reassembled)

	term := frames[len(frames)-1]
	assert.Equal(t, FrameTerminal, term.Type)
	assert.Nil(t, term.Result, "chunked results are not repeated on the terminal frame")
}

func TestAttachedHandleSeesOwnJobID(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-primary")
	m.Attach("job-attached", "job-primary")

	m.PublishProgress("job-primary", 50, "")
	m.PublishTerminal("job-primary", types.StateSucceeded, json.RawMessage(`{}`), "", "")

	sink := &collectSink{}
	require.NoError(t, m.Subscribe(context.Background(), "job-attached", 0, sink))

	frames := sink.all()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, types.JobID("job-attached"), f.JobID)
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	m.PublishProgress("job-001", 10, "")
	m.PublishProgress("job-001", 20, "")
	m.PublishTerminal("job-001", types.StateSucceeded, nil, "", "")

	err := m.Subscribe(context.Background(), "job-001", 0, &failSink{accept: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlowSubscriber)
	assert.Equal(t, 0, m.Subscribers())
}

func TestSubscribeUnknownJob(t *testing.T) {
	m := NewManager(Config{}, nil)
	err := m.Subscribe(context.Background(), "job-missing", 0, &collectSink{})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSubscribeCancelledByContext(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(ctx, "job-001", 0, &collectSink{})
	}()

	require.Eventually(t, func() bool { return m.Subscribers() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepRetainsRecentAndDropsExpired(t *testing.T) {
	m := NewManager(Config{Retention: time.Minute}, nil)
	m.Open("job-old")
	m.Open("job-new")
	m.Attach("job-handle", "job-old")

	m.PublishTerminal("job-old", types.StateSucceeded, nil, "", "")
	m.PublishTerminal("job-new", types.StateSucceeded, nil, "", "")

	removed := m.Sweep(time.Now())
	assert.Equal(t, 0, removed, "inside retention nothing is swept")

	removed = m.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, removed)

	err := m.Subscribe(context.Background(), "job-handle", 0, &collectSink{})
	assert.ErrorIs(t, err, ErrUnknownJob, "aliases of swept streams are gone too")
}

func TestStatus(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.Open("job-001")
	m.PublishProgress("job-001", 35, "")

	pct, terminal, ok := m.Status("job-001")
	require.True(t, ok)
	assert.Equal(t, 35, pct)
	assert.False(t, terminal)

	m.PublishTerminal("job-001", types.StateCancelled, nil, "", types.ReasonRequested)
	_, terminal, ok = m.Status("job-001")
	require.True(t, ok)
	assert.True(t, terminal)

	_, _, ok = m.Status("job-missing")
	assert.False(t, ok)
}
