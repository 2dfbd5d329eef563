package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visvikbharti/stickforstats-sub000/internal/scheduler"
	"github.com/visvikbharti/stickforstats-sub000/internal/stream"
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn) []stream.Frame {
	t.Helper()
	var frames []stream.Frame
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return frames
		}
		frames = append(frames, f)
		if f.Type == stream.FrameTerminal || f.Type == stream.FrameResync {
			return frames
		}
	}
}

func TestStreamReplaysBacklogThenTerminal(t *testing.T) {
	srv, _ := newTestServer(t, scheduler.Config{}, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job := submitJob(t, srv.Handler(), `{"capability":"distributions","parameters":{"data":[1,2,3,4,5,6]}}`)
	waitSucceeded(t, srv.Handler(), job.ID)

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Action: stream.ActionSubscribe,
		JobID:  job.ID,
	}))

	frames := readFrames(t, conn)
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	require.Equal(t, stream.FrameTerminal, last.Type)
	assert.Equal(t, types.StateSucceeded, last.State)
	assert.Contains(t, string(last.Result), `"mean"`)

	var prevSeq uint64
	for _, f := range frames {
		assert.Equal(t, job.ID, f.JobID)
		assert.GreaterOrEqual(t, f.Seq, prevSeq)
		prevSeq = f.Seq
	}
	if len(frames) > 1 {
		assert.Equal(t, stream.FrameProgress, frames[0].Type)
	}
}

func TestStreamResumeSkipsDeliveredFrames(t *testing.T) {
	srv, _ := newTestServer(t, scheduler.Config{}, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job := submitJob(t, srv.Handler(), `{"capability":"distributions","parameters":{"data":[9,8,7]}}`)
	waitSucceeded(t, srv.Handler(), job.ID)

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Action: stream.ActionSubscribe,
		JobID:  job.ID,
	}))
	full := readFrames(t, conn)
	require.NotEmpty(t, full)
	terminalSeq := full[len(full)-1].Seq

	resumed := dialStream(t, ts)
	require.NoError(t, resumed.WriteJSON(stream.ClientMessage{
		Action:           stream.ActionSubscribe,
		JobID:            job.ID,
		LastDeliveredSeq: terminalSeq - 1,
	}))
	frames := readFrames(t, resumed)
	require.NotEmpty(t, frames)
	assert.Equal(t, stream.FrameTerminal, frames[0].Type)
	assert.Equal(t, terminalSeq, frames[0].Seq)
}

func TestStreamIdleSubscriberDisconnected(t *testing.T) {
	// Scheduler never started: the job stays queued, so the stream never
	// produces a terminal frame and only the idle window can end it.
	srv, _ := newTestServerWithConfig(t, Config{StreamIdleTimeout: 300 * time.Millisecond}, scheduler.Config{}, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job := submitJob(t, srv.Handler(), `{"capability":"distributions","parameters":{"data":[1,2,3]}}`)

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Action: stream.ActionSubscribe,
		JobID:  job.ID,
	}))

	// Go silent: no reads means no pong responses to the server's pings.
	time.Sleep(time.Second)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f stream.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "queued job produces no frames, only a close")
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		t.Fatal("connection still open after the idle window elapsed")
	}
}

func TestStreamPongKeepsSubscriberAlive(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, Config{StreamIdleTimeout: 300 * time.Millisecond}, scheduler.Config{}, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	job := submitJob(t, srv.Handler(), `{"capability":"distributions","parameters":{"data":[1,2,3]}}`)

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Action: stream.ActionSubscribe,
		JobID:  job.ID,
	}))

	// Keep reading: the default ping handler answers the server's pings,
	// so the subscription must outlive several idle windows.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				return
			}
			t.Fatalf("subscription dropped while responsive: %v", err)
		}
	}
}

func TestStreamUnknownJobCloses(t *testing.T) {
	srv, _ := newTestServer(t, scheduler.Config{}, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Action: stream.ActionSubscribe,
		JobID:  "job-missing",
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f stream.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestStreamRejectsNonSubscribeHandshake(t *testing.T) {
	srv, _ := newTestServer(t, scheduler.Config{}, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteJSON(stream.ClientMessage{Action: stream.ActionAck}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f stream.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}
