package scheduler

// ============================================================================
// Job Table Tests
// Responsibility: Verify state transitions, FIFO ordering, attachment
// mirroring, fingerprint claims, and snapshot round-trips
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

func newQueuedJob(id, fp string) types.Job {
	return types.Job{
		ID:             types.JobID(id),
		CapabilityName: "distributions",
		Fingerprint:    fp,
		State:          types.StateQueued,
		SubmittedAt:    time.Now().UnixMilli(),
	}
}

func mustAdd(t *testing.T, table *Table, job types.Job) {
	t.Helper()
	if err := table.Add(job); err != nil {
		t.Fatalf("Add(%s) failed: %v", job.ID, err)
	}
}

func TestAddAndDuplicate(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-1"))

	if err := table.Add(newQueuedJob("job-001", "fp-1")); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
	if table.QueueLen() != 1 {
		t.Errorf("expected queue length 1, got %d", table.QueueLen())
	}
}

func TestPopQueuedFIFO(t *testing.T) {
	table := NewTable()
	for i := 0; i < 3; i++ {
		mustAdd(t, table, newQueuedJob(fmt.Sprintf("job-%03d", i), fmt.Sprintf("fp-%d", i)))
	}

	for i := 0; i < 3; i++ {
		job, ok := table.PopQueued()
		if !ok {
			t.Fatalf("expected job at position %d", i)
		}
		want := types.JobID(fmt.Sprintf("job-%03d", i))
		if job.ID != want {
			t.Errorf("position %d: got %s, want %s", i, job.ID, want)
		}
	}
	if _, ok := table.PopQueued(); ok {
		t.Error("expected empty queue")
	}
}

func TestPopQueuedSkipsCancelled(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-1"))
	mustAdd(t, table, newQueuedJob("job-002", "fp-2"))

	if _, err := table.MarkTerminal("job-001", Outcome{
		State:        types.StateCancelled,
		CancelReason: types.ReasonRequested,
	}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	job, ok := table.PopQueued()
	if !ok || job.ID != "job-002" {
		t.Errorf("expected job-002, got %v (ok=%v)", job.ID, ok)
	}
}

func TestStateTransitions(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-1"))

	if err := table.MarkRunning("job-001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := table.MarkRunning("job-001"); err == nil {
		t.Error("expected error marking a running job running again")
	}

	if _, err := table.MarkTerminal("job-001", Outcome{
		State:  types.StateSucceeded,
		Result: json.RawMessage(`{"mean":1.0}`),
	}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	job, _ := table.Get("job-001")
	if job.State != types.StateSucceeded {
		t.Errorf("expected succeeded, got %s", job.State)
	}
	if job.ProgressPercent != 100 {
		t.Errorf("expected progress 100, got %d", job.ProgressPercent)
	}
	if job.FinishedAt == 0 {
		t.Error("expected FinishedAt to be set")
	}

	// Terminal states are sinks.
	if _, err := table.MarkTerminal("job-001", Outcome{State: types.StateFailed}); !errors.Is(err, ErrTerminalJob) {
		t.Errorf("expected ErrTerminalJob, got %v", err)
	}
}

func TestFingerprintClaim(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-shared"))

	primaryID, ok := table.LiveByFingerprint("fp-shared")
	if !ok || primaryID != "job-001" {
		t.Fatalf("expected job-001 to claim fp-shared, got %v (ok=%v)", primaryID, ok)
	}

	if _, err := table.MarkTerminal("job-001", Outcome{State: types.StateSucceeded}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if _, ok := table.LiveByFingerprint("fp-shared"); ok {
		t.Error("terminal job must release its fingerprint claim")
	}
}

func TestAttachmentMirroring(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-primary", "fp-shared"))

	handle := newQueuedJob("job-handle", "fp-shared")
	if err := table.Attach(handle, "job-primary"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if table.QueueLen() != 1 {
		t.Errorf("attached handle must not enter the queue, queue length = %d", table.QueueLen())
	}

	if err := table.MarkRunning("job-primary"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	got, _ := table.Get("job-handle")
	if got.State != types.StateRunning {
		t.Errorf("handle should mirror running state, got %s", got.State)
	}

	table.SetProgress("job-primary", 60)
	got, _ = table.Get("job-handle")
	if got.ProgressPercent != 60 {
		t.Errorf("handle should mirror progress, got %d", got.ProgressPercent)
	}

	affected, err := table.MarkTerminal("job-primary", Outcome{
		State:  types.StateSucceeded,
		Result: json.RawMessage(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected jobs, got %d", len(affected))
	}

	got, _ = table.Get("job-handle")
	if got.State != types.StateSucceeded {
		t.Errorf("handle should mirror terminal outcome, got %s", got.State)
	}
	if string(got.Result) != `{"v":1}` {
		t.Errorf("handle should mirror result, got %s", got.Result)
	}
}

func TestHandleCancelledAlone(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-primary", "fp-shared"))
	if err := table.Attach(newQueuedJob("job-handle", "fp-shared"), "job-primary"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := table.MarkHandleCancelled("job-handle", types.ReasonRequested); err != nil {
		t.Fatalf("MarkHandleCancelled failed: %v", err)
	}

	handle, _ := table.Get("job-handle")
	if handle.State != types.StateCancelled {
		t.Errorf("expected cancelled handle, got %s", handle.State)
	}
	primary, _ := table.Get("job-primary")
	if primary.State != types.StateQueued {
		t.Errorf("primary must be untouched, got %s", primary.State)
	}

	// A later terminal on the primary no longer reaches the handle.
	if _, err := table.MarkTerminal("job-primary", Outcome{State: types.StateSucceeded}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	handle, _ = table.Get("job-handle")
	if handle.State != types.StateCancelled {
		t.Errorf("cancelled handle must stay cancelled, got %s", handle.State)
	}
}

func TestAttachToTerminalPrimaryFails(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-primary", "fp-1"))
	if _, err := table.MarkTerminal("job-primary", Outcome{State: types.StateSucceeded}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	err := table.Attach(newQueuedJob("job-handle", "fp-1"), "job-primary")
	if !errors.Is(err, ErrTerminalJob) {
		t.Errorf("expected ErrTerminalJob, got %v", err)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-1"))

	table.SetProgress("job-001", 70)
	table.SetProgress("job-001", 30)
	job, _ := table.Get("job-001")
	if job.ProgressPercent != 70 {
		t.Errorf("expected 70, got %d", job.ProgressPercent)
	}

	table.SetProgress("job-001", 150)
	job, _ = table.Get("job-001")
	if job.ProgressPercent != 100 {
		t.Errorf("expected clamp to 100, got %d", job.ProgressPercent)
	}
}

func TestExpiredDeadlines(t *testing.T) {
	table := NewTable()

	past := time.Now().Add(-time.Minute).UnixMilli()
	expired := newQueuedJob("job-expired", "fp-1")
	expired.DeadlineMs = &past
	mustAdd(t, table, expired)

	future := time.Now().Add(time.Hour).UnixMilli()
	alive := newQueuedJob("job-alive", "fp-2")
	alive.DeadlineMs = &future
	mustAdd(t, table, alive)

	mustAdd(t, table, newQueuedJob("job-nodeadline", "fp-3"))

	got := table.ExpiredDeadlines(time.Now())
	if len(got) != 1 || got[0] != "job-expired" {
		t.Errorf("expected [job-expired], got %v", got)
	}
}

func TestRemoveOlderThan(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-done", "fp-1"))
	mustAdd(t, table, newQueuedJob("job-live", "fp-2"))
	if _, err := table.MarkTerminal("job-done", Outcome{State: types.StateSucceeded}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	removed := table.RemoveOlderThan(time.Now().Add(time.Minute))
	if len(removed) != 1 || removed[0] != "job-done" {
		t.Errorf("expected [job-done], got %v", removed)
	}
	if _, exists := table.Get("job-done"); exists {
		t.Error("purged job should be gone")
	}
	if _, exists := table.Get("job-live"); !exists {
		t.Error("non-terminal job must never be purged")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-queued", "fp-1"))
	mustAdd(t, table, newQueuedJob("job-running", "fp-2"))
	if err := table.MarkRunning("job-running"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	mustAdd(t, table, newQueuedJob("job-done", "fp-3"))
	if _, err := table.MarkTerminal("job-done", Outcome{State: types.StateFailed, Error: "boom"}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	restored := NewTable()
	if err := restored.Restore(table.Snapshot()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if restored.QueueLen() != 1 {
		t.Errorf("expected 1 queued job after restore, got %d", restored.QueueLen())
	}
	if _, ok := restored.LiveByFingerprint("fp-2"); !ok {
		t.Error("running job should reclaim its fingerprint after restore")
	}
	job, _ := restored.Get("job-done")
	if job.State != types.StateFailed || job.Error != "boom" {
		t.Errorf("terminal job corrupted by round trip: %+v", job)
	}

	stats := restored.Stats()
	if stats["queued"] != 1 || stats["running"] != 1 || stats["failed"] != 1 {
		t.Errorf("unexpected stats after restore: %v", stats)
	}
}

func TestRunningByCapability(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, newQueuedJob("job-001", "fp-1"))

	other := newQueuedJob("job-002", "fp-2")
	other.CapabilityName = "pca"
	mustAdd(t, table, other)

	if n := table.RunningByCapability("distributions"); n != 1 {
		t.Errorf("expected 1 live distributions job, got %d", n)
	}
	if _, err := table.MarkTerminal("job-001", Outcome{State: types.StateSucceeded}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if n := table.RunningByCapability("distributions"); n != 0 {
		t.Errorf("expected 0 after terminal, got %d", n)
	}
}
