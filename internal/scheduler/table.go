// ============================================================================
// Job Table - Job State Machine
// ============================================================================
//
// Package: internal/scheduler
// File: table.go
// Function: Track the full lifecycle of every job handle
//
// Design:
//   Hybrid layout balancing speed and consistency:
//   1. jobs map - unified storage, the single source of truth
//   2. Indexes - FIFO queue, running set, live-fingerprint map for fast paths
//   3. Both are kept in sync through shared pointers
//
// State machine:
//   Queued
//      ↓ PopQueued() + MarkRunning()
//   Running
//      ↓ MarkTerminal()
//   Succeeded / Failed / Cancelled   (sinks; no transition ever leaves)
//
// Attachment:
//   A handle submitted while an identical fingerprint is in flight never
//   enters the queue. It is attached to the primary execution and mirrors
//   its progress and terminal outcome.
//
// Concurrency:
//   All structures are guarded by one sync.RWMutex; reads take RLock,
//   writes take Lock.
//
// ============================================================================

package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var (
	// ErrDuplicateJob means the job id already exists
	ErrDuplicateJob = errors.New("job already exists")
	// ErrTerminalJob means the job already reached a sink state
	ErrTerminalJob = errors.New("job already terminal")
)

// Table is the in-memory job table.
type Table struct {
	mu            sync.RWMutex
	jobs          map[types.JobID]*types.Job
	queue         []types.JobID
	running       map[types.JobID]*types.Job
	byFingerprint map[string]types.JobID        // fingerprint -> live primary execution
	attachments   map[types.JobID][]types.JobID // primary -> attached handles
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{
		jobs:          make(map[types.JobID]*types.Job),
		queue:         make([]types.JobID, 0),
		running:       make(map[types.JobID]*types.Job),
		byFingerprint: make(map[string]types.JobID),
		attachments:   make(map[types.JobID][]types.JobID),
	}
}

// Add inserts a new job. Queued jobs join the FIFO queue and claim their
// fingerprint; terminal jobs (cache hits) are stored as-is.
func (t *Table) Add(job types.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	stored := job.Clone()
	t.jobs[job.ID] = &stored

	if stored.State == types.StateQueued {
		t.queue = append(t.queue, job.ID)
		t.byFingerprint[stored.Fingerprint] = job.ID
	}
	return nil
}

// Attach links a new handle to a live primary execution. The handle
// mirrors the primary's current progress and never enters the queue.
func (t *Table) Attach(handle types.Job, primaryID types.JobID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[handle.ID]; exists {
		return ErrDuplicateJob
	}
	primary, exists := t.jobs[primaryID]
	if !exists {
		return fmt.Errorf("primary %s: %w", primaryID, ErrUnknownJob)
	}
	if primary.State.Terminal() {
		return ErrTerminalJob
	}

	stored := handle.Clone()
	stored.AttachedTo = primaryID
	stored.State = primary.State
	stored.ProgressPercent = primary.ProgressPercent
	stored.StartedAt = primary.StartedAt
	t.jobs[handle.ID] = &stored
	t.attachments[primaryID] = append(t.attachments[primaryID], handle.ID)
	return nil
}

// PopQueued removes and returns a copy of the next queued job, or false
// when the queue is empty.
func (t *Table) PopQueued() (types.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) > 0 {
		jobID := t.queue[0]
		t.queue = t.queue[1:]
		job, exists := t.jobs[jobID]
		// Entries cancelled while queued are skipped here.
		if !exists || job.State != types.StateQueued {
			continue
		}
		return job.Clone(), true
	}
	return types.Job{}, false
}

// Requeue puts a popped job back at the front of the queue. Used when
// handing it to the pool failed.
func (t *Table) Requeue(jobID types.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists || job.State != types.StateQueued {
		return
	}
	t.queue = append([]types.JobID{jobID}, t.queue...)
}

// MarkRunning transitions a job from Queued to Running and mirrors the
// transition onto attached handles.
func (t *Table) MarkRunning(jobID types.JobID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrUnknownJob
	}
	if job.State != types.StateQueued {
		return fmt.Errorf("job %s in state %s: cannot start", jobID, job.State)
	}

	now := time.Now().UnixMilli()
	job.State = types.StateRunning
	job.StartedAt = now
	t.running[jobID] = job

	for _, handleID := range t.attachments[jobID] {
		if handle, ok := t.jobs[handleID]; ok && !handle.State.Terminal() {
			handle.State = types.StateRunning
			handle.StartedAt = now
		}
	}
	return nil
}

// Outcome is the terminal payload applied by MarkTerminal.
type Outcome struct {
	State        types.JobState
	Result       json.RawMessage
	Error        string
	CancelReason types.CancelReason
}

// MarkTerminal moves a job into a sink state, releases its fingerprint
// claim, and mirrors the outcome onto attached handles. Returns the ids
// of all affected handles (the job itself first). Calling it on an
// already terminal job returns ErrTerminalJob.
func (t *Table) MarkTerminal(jobID types.JobID, out Outcome) ([]types.JobID, error) {
	if !out.State.Terminal() {
		return nil, fmt.Errorf("state %s is not terminal", out.State)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return nil, ErrUnknownJob
	}
	if job.State.Terminal() {
		return nil, ErrTerminalJob
	}

	now := time.Now().UnixMilli()
	affected := []types.JobID{jobID}
	t.applyTerminalLocked(job, out, now)
	delete(t.running, jobID)
	if t.byFingerprint[job.Fingerprint] == jobID {
		delete(t.byFingerprint, job.Fingerprint)
	}

	for _, handleID := range t.attachments[jobID] {
		if handle, ok := t.jobs[handleID]; ok && !handle.State.Terminal() {
			t.applyTerminalLocked(handle, out, now)
			affected = append(affected, handleID)
		}
	}
	delete(t.attachments, jobID)
	return affected, nil
}

// MarkHandleCancelled terminates one attached handle without touching the
// primary execution or its other handles.
func (t *Table) MarkHandleCancelled(handleID types.JobID, reason types.CancelReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, exists := t.jobs[handleID]
	if !exists {
		return ErrUnknownJob
	}
	if handle.State.Terminal() {
		return ErrTerminalJob
	}

	t.applyTerminalLocked(handle, Outcome{
		State:        types.StateCancelled,
		CancelReason: reason,
	}, time.Now().UnixMilli())

	primaryID := handle.AttachedTo
	handles := t.attachments[primaryID]
	for i, id := range handles {
		if id == handleID {
			t.attachments[primaryID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	return nil
}

func (t *Table) applyTerminalLocked(job *types.Job, out Outcome, now int64) {
	job.State = out.State
	job.FinishedAt = now
	job.Error = out.Error
	job.CancelReason = out.CancelReason
	if out.State == types.StateSucceeded {
		job.ProgressPercent = 100
		if out.Result != nil {
			job.Result = append(json.RawMessage(nil), out.Result...)
		}
	}
}

// SetProgress records a progress percent on a job and its attached
// handles. Regressions are ignored.
func (t *Table) SetProgress(jobID types.JobID, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists || job.State.Terminal() {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent < job.ProgressPercent {
		return
	}
	job.ProgressPercent = percent
	for _, handleID := range t.attachments[jobID] {
		if handle, ok := t.jobs[handleID]; ok && !handle.State.Terminal() {
			handle.ProgressPercent = percent
		}
	}
}

// Get returns a copy of a job record.
func (t *Table) Get(jobID types.JobID) (types.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// LiveByFingerprint returns the primary execution currently claiming a
// fingerprint, if any.
func (t *Table) LiveByFingerprint(fp string) (types.JobID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jobID, exists := t.byFingerprint[fp]
	return jobID, exists
}

// AttachedHandles returns the ids of handles attached to a primary.
func (t *Table) AttachedHandles(primaryID types.JobID) []types.JobID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.JobID(nil), t.attachments[primaryID]...)
}

// QueueLen returns the number of jobs waiting for a worker slot.
func (t *Table) QueueLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queue)
}

// RunningByCapability counts non-terminal jobs of one capability.
// Plugged into the registry so upgrades are refused while jobs run.
func (t *Table) RunningByCapability(capability string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, job := range t.jobs {
		if job.CapabilityName == capability && !job.State.Terminal() {
			n++
		}
	}
	return n
}

// ExpiredDeadlines returns non-terminal jobs whose deadline has passed.
// Attached handles are included: each handle carries its own deadline,
// independent of the primary execution's.
func (t *Table) ExpiredDeadlines(now time.Time) []types.JobID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var expired []types.JobID
	nowMs := now.UnixMilli()
	for jobID, job := range t.jobs {
		if job.State.Terminal() || job.DeadlineMs == nil {
			continue
		}
		if *job.DeadlineMs < nowMs {
			expired = append(expired, jobID)
		}
	}
	return expired
}

// NonTerminal returns the ids of all jobs still in flight. Used during
// recovery to fail survivors of a crash.
func (t *Table) NonTerminal() []types.JobID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []types.JobID
	for jobID, job := range t.jobs {
		if !job.State.Terminal() {
			ids = append(ids, jobID)
		}
	}
	return ids
}

// List returns copies of every job record, unordered.
func (t *Table) List() []types.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// RemoveOlderThan deletes terminal jobs that finished before the cutoff
// and returns their ids.
func (t *Table) RemoveOlderThan(cutoff time.Time) []types.JobID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	var removed []types.JobID
	for jobID, job := range t.jobs {
		if job.State.Terminal() && job.FinishedAt > 0 && job.FinishedAt < cutoffMs {
			delete(t.jobs, jobID)
			removed = append(removed, jobID)
		}
	}
	return removed
}

// Stats returns per-state job counts.
func (t *Table) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		"queued":    len(t.queue),
		"running":   len(t.running),
		"succeeded": 0,
		"failed":    0,
		"cancelled": 0,
	}
	for _, job := range t.jobs {
		switch job.State {
		case types.StateSucceeded:
			stats["succeeded"]++
		case types.StateFailed:
			stats["failed"]++
		case types.StateCancelled:
			stats["cancelled"]++
		}
	}
	return stats
}

// Snapshot deep-copies the full job table for persistence.
func (t *Table) Snapshot() types.SnapshotData {
	t.mu.RLock()
	defer t.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(t.jobs))
	for id, job := range t.jobs {
		c := job.Clone()
		jobsCopy[id] = &c
	}
	return types.SnapshotData{Jobs: jobsCopy}
}

// Restore replaces the table contents from a snapshot, rebuilding every
// index from job state.
func (t *Table) Restore(data types.SnapshotData) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs = make(map[types.JobID]*types.Job)
	t.queue = make([]types.JobID, 0)
	t.running = make(map[types.JobID]*types.Job)
	t.byFingerprint = make(map[string]types.JobID)
	t.attachments = make(map[types.JobID][]types.JobID)

	for jobID, job := range data.Jobs {
		t.jobs[jobID] = job

		if job.AttachedTo != "" {
			if !job.State.Terminal() {
				t.attachments[job.AttachedTo] = append(t.attachments[job.AttachedTo], jobID)
			}
			continue
		}
		switch job.State {
		case types.StateQueued:
			t.queue = append(t.queue, jobID)
			t.byFingerprint[job.Fingerprint] = jobID
		case types.StateRunning:
			t.running[jobID] = job
			t.byFingerprint[job.Fingerprint] = jobID
		}
	}
	return nil
}
