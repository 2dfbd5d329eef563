// ============================================================================
// Scheduler - Core Orchestrator
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: Admit, dedupe, execute, and recover analysis jobs
//
// Flow:
//   Submit() → cache hit?    → terminal job answered immediately
//            → fingerprint in flight? → attach handle to that execution
//            → queue full?   → reject (saturated)
//            → otherwise     → journal, queue, dispatch to worker pool
//
// Durability rule:
//   The journal is appended BEFORE the in-memory job table changes.
//   Recovery = load snapshot → replay journal → fail non-terminal
//   survivors (a restart cannot resume half-done computations).
//
// Loops:
//   dispatchLoop    - hand queued jobs to the worker pool
//   resultLoop      - apply worker outcomes, fill the cache, publish frames
//   deadlineLoop    - cancel jobs whose deadline passed while queued
//   snapshotLoop    - periodic snapshot + journal rotation
//   maintenanceLoop - stream sweeping, terminal-job retention, gauges
//
// ============================================================================

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visvikbharti/stickforstats-sub000/internal/cache"
	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
	"github.com/visvikbharti/stickforstats-sub000/internal/fingerprint"
	"github.com/visvikbharti/stickforstats-sub000/internal/journal"
	"github.com/visvikbharti/stickforstats-sub000/internal/metrics"
	"github.com/visvikbharti/stickforstats-sub000/internal/stream"
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var log = slog.Default()

// Config carries scheduler tuning.
type Config struct {
	Workers          int           // worker goroutines
	MaxQueue         int           // admission bound; 0 means 1024
	PoolBuffer       int           // task/result channel buffer; 0 means Workers
	GraceTimeout     time.Duration // cancel force-mark delay; 0 means 5s
	SnapshotInterval time.Duration // 0 means 30s
	Retention        time.Duration // terminal job retention; 0 means 30m
	JournalPath      string
	SnapshotPath     string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1024
	}
	if c.PoolBuffer <= 0 {
		c.PoolBuffer = c.Workers
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 5 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
}

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Capability string
	Parameters json.RawMessage
	InputRef   string
	InputData  []byte
	Principal  string
	TimeoutMs  int64 // 0 means no deadline
}

// Scheduler owns the job table, the worker pool, and the durability
// plumbing around them.
type Scheduler struct {
	mu        sync.Mutex // serializes journal-then-table sequences
	table     *Table
	journal   *journal.Journal
	snapshots *journal.SnapshotManager
	pool      *Pool
	registry  *capability.Registry
	cache     *cache.Cache
	streams   *stream.Manager
	collector *metrics.Collector
	config    Config

	// cancelReason remembers why a running job was cancelled so the
	// worker's ctx error can be mapped back to the request.
	cancelReason map[types.JobID]types.CancelReason

	// pinned tracks cache entries held alive by cache-hit job records.
	pinned map[types.JobID]string

	// pendingInputs stashes each queued job's runner and inline input
	// until dispatch; neither belongs in the journal.
	pendingInputs sync.Map // types.JobID -> pendingWork

	stopCh    chan struct{}
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// New creates a scheduler. The metrics collector may be nil.
func New(config Config, registry *capability.Registry, resultCache *cache.Cache, streams *stream.Manager, collector *metrics.Collector) (*Scheduler, error) {
	config.applyDefaults()

	jnl, err := journal.New(config.JournalPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Scheduler{
		table:        NewTable(),
		journal:      jnl,
		snapshots:    journal.NewSnapshotManager(config.SnapshotPath),
		pool:         NewPool(config.PoolBuffer),
		registry:     registry,
		cache:        resultCache,
		streams:      streams,
		collector:    collector,
		config:       config,
		cancelReason: make(map[types.JobID]types.CancelReason),
		pinned:       make(map[types.JobID]string),
		stopCh:       make(chan struct{}),
	}, nil
}

// Table exposes the job table, mainly so the registry's in-flight probe
// can be wired to it.
func (s *Scheduler) Table() *Table {
	return s.table
}

// Start recovers persisted state and launches the worker pool and loops.
func (s *Scheduler) Start() error {
	s.startTime = time.Now()

	log.Info("starting recovery")
	if err := s.recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	recoveryTime := time.Since(s.startTime)
	s.collector.SetRecoveryTime(recoveryTime.Seconds())
	log.Info("recovery completed", "duration", recoveryTime)

	if err := s.pool.Start(s.config.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.loopWg.Add(5)
	go s.dispatchLoop()
	go s.resultLoop()
	go s.deadlineLoop()
	go s.snapshotLoop()
	go s.maintenanceLoop()

	log.Info("scheduler started", "workers", s.config.Workers)
	return nil
}

// Submit admits one job. It returns the created job record, which is
// already terminal for cache hits.
func (s *Scheduler) Submit(req SubmitRequest) (types.Job, error) {
	runner, err := s.registry.Resolve(req.Capability)
	if err != nil {
		return types.Job{}, fmt.Errorf("%w: %s", ErrUnknownCapability, req.Capability)
	}

	fp, err := fingerprint.Compute(req.Capability, req.Parameters, s.contentHash(req))
	if err != nil {
		return types.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := time.Now().UnixMilli()
	job := types.Job{
		ID:             types.JobID("job-" + uuid.NewString()),
		CapabilityName: req.Capability,
		Parameters:     req.Parameters,
		InputRef:       req.InputRef,
		Principal:      req.Principal,
		Fingerprint:    fp,
		State:          types.StateQueued,
		SubmittedAt:    now,
	}
	if req.TimeoutMs > 0 {
		deadline := now + req.TimeoutMs
		job.DeadlineMs = &deadline
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return types.Job{}, ErrStopped
	}

	// 1. Cache hit: answer without executing.
	if result, ok := s.cache.Get(fp); ok {
		job.State = types.StateSucceeded
		job.FromCache = true
		job.FinishedAt = now
		job.ProgressPercent = 100
		job.Result = result

		if err := s.appendSubmit(job, true); err != nil {
			return types.Job{}, err
		}
		if err := s.table.Add(job); err != nil {
			return types.Job{}, err
		}
		s.cache.Acquire(fp)
		s.pinned[job.ID] = fp
		s.streams.Open(job.ID)
		s.streams.PublishTerminal(job.ID, types.StateSucceeded, result, "", "")
		s.collector.RecordCacheHit()
		log.Debug("submission answered from cache", "jobID", job.ID, "capability", req.Capability)
		return job, nil
	}

	// 2. Identical computation already in flight: attach instead of
	// running it twice.
	if primaryID, ok := s.table.LiveByFingerprint(fp); ok {
		if err := s.journal.Append(journal.Event{
			Type:       journal.EventAttach,
			JobID:      job.ID,
			Job:        stripResult(job),
			AttachedTo: primaryID,
		}, true); err != nil {
			return types.Job{}, fmt.Errorf("failed to journal attach: %w", err)
		}
		if err := s.table.Attach(job, primaryID); err != nil {
			return types.Job{}, err
		}
		s.streams.Attach(job.ID, primaryID)
		s.collector.RecordAttached()
		log.Debug("job attached to running execution",
			"jobID", job.ID, "primary", primaryID, "capability", req.Capability)

		attached, _ := s.table.Get(job.ID)
		return attached, nil
	}

	// 3. Admission control.
	if s.table.QueueLen() >= s.config.MaxQueue {
		s.collector.RecordRejected()
		return types.Job{}, ErrSaturated
	}

	// 4. Journal first, then admit. The input payload is kept out of the
	// journal; only its hash participates in the fingerprint.
	if err := s.appendSubmit(job, true); err != nil {
		return types.Job{}, err
	}
	if err := s.table.Add(job); err != nil {
		return types.Job{}, err
	}
	s.streams.Open(job.ID)
	s.collector.RecordSubmitted()

	// Stash the runner and input for dispatch.
	s.pendingInputs.Store(job.ID, pendingWork{runner: runner, input: req.InputData})
	log.Debug("job queued", "jobID", job.ID, "capability", req.Capability)
	return job, nil
}

// pendingWork carries what dispatch needs beyond the job record.
type pendingWork struct {
	runner capability.Runner
	input  []byte
}

// GetStatus returns a copy of a job record. Succeeded records restored
// without their payload are filled from the result cache.
func (s *Scheduler) GetStatus(jobID types.JobID) (types.Job, error) {
	job, exists := s.table.Get(jobID)
	if !exists {
		return types.Job{}, ErrUnknownJob
	}
	if job.State == types.StateSucceeded && job.Result == nil {
		if result, ok := s.cache.Get(job.Fingerprint); ok {
			job.Result = result
		}
	}
	return job, nil
}

// ListJobs returns copies of every tracked job.
func (s *Scheduler) ListJobs() []types.Job {
	return s.table.List()
}

// Cancel requests cancellation of a job. Cancelling a terminal job is a
// no-op; cancelling an attached handle terminates only that handle while
// the primary execution keeps running for its other subscribers.
func (s *Scheduler) Cancel(jobID types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.table.Get(jobID)
	if !exists {
		return ErrUnknownJob
	}
	if job.State.Terminal() {
		return nil
	}

	if job.AttachedTo != "" {
		if err := s.appendFinish(jobID, journal.Event{
			State:  types.StateCancelled,
			Reason: types.ReasonRequested,
		}); err != nil {
			return err
		}
		if err := s.table.MarkHandleCancelled(jobID, types.ReasonRequested); err != nil {
			return err
		}
		s.streams.Detach(jobID)
		s.collector.RecordCancelled()
		log.Info("attached handle cancelled", "jobID", jobID, "primary", job.AttachedTo)
		return nil
	}

	switch job.State {
	case types.StateQueued:
		return s.finishLocked(jobID, Outcome{
			State:        types.StateCancelled,
			CancelReason: types.ReasonRequested,
		})

	case types.StateRunning:
		s.cancelReason[jobID] = types.ReasonRequested
		s.pool.Cancel(jobID)
		// If the capability ignores its context, force the record
		// terminal after the grace period.
		time.AfterFunc(s.config.GraceTimeout, func() {
			s.forceCancel(jobID)
		})
		log.Info("cancellation requested", "jobID", jobID, "grace", s.config.GraceTimeout)
	}
	return nil
}

// forceCancel marks a job cancelled when its capability failed to honor
// cancellation within the grace period.
func (s *Scheduler) forceCancel(jobID types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.table.Get(jobID)
	if !exists || job.State.Terminal() {
		return
	}
	if err := s.finishLocked(jobID, Outcome{
		State:        types.StateCancelled,
		CancelReason: types.ReasonGraceTimeout,
	}); err != nil {
		log.Error("failed to force-cancel job", "jobID", jobID, "error", err)
		return
	}
	log.Warn("job force-cancelled after grace timeout", "jobID", jobID)
}

// Stats returns per-state job counts plus uptime.
func (s *Scheduler) Stats() map[string]interface{} {
	stats := s.table.Stats()
	return map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"workers":   s.config.Workers,
		"queued":    stats["queued"],
		"running":   stats["running"],
		"succeeded": stats["succeeded"],
		"failed":    stats["failed"],
		"cancelled": stats["cancelled"],
	}
}

// Stop shuts the scheduler down. Order matters: signal the loops, stop
// the pool (which ends resultLoop via the closed result channel), wait
// for the loops, then persist a final snapshot and close the journal.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info("stopping scheduler")

	close(s.stopCh)
	s.pool.Stop()
	s.loopWg.Wait()

	if err := s.takeSnapshot(); err != nil {
		log.Error("failed to take final snapshot", "error", err)
	}
	if err := s.journal.Close(); err != nil && !errors.Is(err, journal.ErrJournalClosed) {
		log.Error("failed to close journal", "error", err)
	}
	log.Info("scheduler stopped")
}

// ============================================================================
// Recovery
// ============================================================================

func (s *Scheduler) recover() error {
	data, err := s.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := s.table.Restore(data); err != nil {
		return fmt.Errorf("failed to restore job table: %w", err)
	}
	log.Info("snapshot loaded", "jobs", len(data.Jobs))

	if err := s.journal.Replay(s.applyEvent); err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	// Queued and Running survivors cannot be resumed: progress state and
	// worker context died with the old process.
	survivors := s.table.NonTerminal()
	for _, jobID := range survivors {
		s.mu.Lock()
		err := s.finishLocked(jobID, Outcome{
			State:        types.StateFailed,
			Error:        "server restarted before completion",
			CancelReason: types.ReasonServerRestarted,
		})
		s.mu.Unlock()
		if err != nil && !errors.Is(err, ErrTerminalJob) {
			log.Error("failed to fail surviving job", "jobID", jobID, "error", err)
		}
	}
	if len(survivors) > 0 {
		log.Info("failed jobs surviving restart", "count", len(survivors))
	}

	// Re-pin cache entries still referenced by restored cache-hit jobs.
	for _, job := range s.table.List() {
		if job.FromCache && job.State == types.StateSucceeded {
			s.cache.Acquire(job.Fingerprint)
			s.pinned[job.ID] = job.Fingerprint
		}
	}

	// Fold the replayed journal into a fresh snapshot.
	if err := s.takeSnapshot(); err != nil {
		return fmt.Errorf("failed to snapshot after recovery: %w", err)
	}
	return nil
}

// applyEvent applies one journal event during replay. Events for jobs the
// snapshot already covers are idempotent no-ops.
func (s *Scheduler) applyEvent(event journal.Event) error {
	switch event.Type {
	case journal.EventSubmit:
		if event.Job == nil {
			return nil
		}
		if err := s.table.Add(*event.Job); err != nil && !errors.Is(err, ErrDuplicateJob) {
			return err
		}

	case journal.EventAttach:
		if event.Job == nil {
			return nil
		}
		if err := s.table.Attach(*event.Job, event.AttachedTo); err != nil {
			if errors.Is(err, ErrDuplicateJob) {
				return nil
			}
			// Primary already terminal or gone: store the handle
			// standalone so its outcome is still queryable.
			handle := *event.Job
			if primary, ok := s.table.Get(event.AttachedTo); ok {
				handle.State = primary.State
				handle.Error = primary.Error
				handle.CancelReason = primary.CancelReason
				handle.FinishedAt = primary.FinishedAt
			}
			if addErr := s.table.Add(handle); addErr != nil && !errors.Is(addErr, ErrDuplicateJob) {
				return addErr
			}
		}

	case journal.EventStart:
		if err := s.table.MarkRunning(event.JobID); err != nil {
			return nil // already progressed past Queued in the snapshot
		}

	case journal.EventFinish:
		out := Outcome{
			State:        event.State,
			Error:        event.Error,
			CancelReason: event.Reason,
		}
		if event.State == types.StateSucceeded && event.Fingerprint != "" {
			if result, ok := s.cache.Get(event.Fingerprint); ok {
				out.Result = result
			}
		}
		if _, err := s.table.MarkTerminal(event.JobID, out); err != nil &&
			!errors.Is(err, ErrTerminalJob) && !errors.Is(err, ErrUnknownJob) {
			return err
		}
	}
	return nil
}

// ============================================================================
// Core loops
// ============================================================================

// dispatchLoop hands queued jobs to the worker pool. Journal first.
func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("dispatch loop stopped")
			return

		case <-ticker.C:
			select {
			case <-s.stopCh:
				log.Info("dispatch loop stopped")
				return
			default:
			}
			s.dispatchOne()
		}
	}
}

func (s *Scheduler) dispatchOne() {
	for {
		job, ok := s.table.PopQueued()
		if !ok {
			return
		}

		value, _ := s.pendingInputs.Load(job.ID)
		work, _ := value.(pendingWork)
		if work.runner == nil {
			// Restart survivor or lost runner: the capability instance
			// that accepted this job no longer exists.
			runner, err := s.registry.Resolve(job.CapabilityName)
			if err != nil {
				s.mu.Lock()
				s.finishLocked(job.ID, Outcome{
					State: types.StateFailed,
					Error: fmt.Sprintf("capability %s unavailable", job.CapabilityName),
				})
				s.mu.Unlock()
				continue
			}
			work.runner = runner
		}

		s.mu.Lock()
		if err := s.journal.Append(journal.Event{
			Type:  journal.EventStart,
			JobID: job.ID,
		}, false); err != nil {
			log.Error("failed to journal start event", "jobID", job.ID, "error", err)
			s.table.Requeue(job.ID)
			s.mu.Unlock()
			return
		}
		if err := s.table.MarkRunning(job.ID); err != nil {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		jobID := job.ID
		task := Task{
			Job:    job,
			Runner: work.runner,
			Request: capability.Request{
				JobID:      job.ID,
				Parameters: job.Parameters,
				InputRef:   job.InputRef,
				InputData:  work.input,
				Principal:  job.Principal,
			},
			Progress: func(percent int, message string) {
				s.table.SetProgress(jobID, percent)
				s.streams.PublishProgress(jobID, percent, message)
			},
		}
		if job.DeadlineMs != nil {
			task.Timeout = time.Until(time.UnixMilli(*job.DeadlineMs))
		}

		if err := s.pool.Submit(task); err != nil {
			if err != ErrPoolClosed {
				log.Error("failed to submit task", "jobID", job.ID, "error", err)
			}
			return
		}
		s.pendingInputs.Delete(job.ID)
	}
}

// resultLoop applies worker outcomes. Runs until the pool closes.
func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		result, err := s.pool.ReceiveResult()
		if err != nil {
			if err == ErrPoolClosed {
				log.Info("result loop stopped")
				return
			}
			log.Error("failed to receive result", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.handleResult(result)
	}
}

func (s *Scheduler) handleResult(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.table.Get(result.JobID)
	if !exists {
		log.Warn("result for unknown job", "jobID", result.JobID)
		return
	}
	// Cancelled past the grace window or otherwise already settled.
	if job.State.Terminal() {
		delete(s.cancelReason, result.JobID)
		return
	}

	var out Outcome
	switch {
	case result.Err == nil:
		s.cache.Put(job.Fingerprint, job.CapabilityName, result.Output)
		out = Outcome{State: types.StateSucceeded, Result: result.Output}

	case errors.Is(result.Err, context.Canceled):
		reason := s.cancelReason[result.JobID]
		if reason == "" {
			reason = types.ReasonRequested
		}
		out = Outcome{State: types.StateCancelled, CancelReason: reason}

	case errors.Is(result.Err, context.DeadlineExceeded):
		out = Outcome{State: types.StateCancelled, CancelReason: types.ReasonDeadlineExceeded}

	default:
		out = Outcome{State: types.StateFailed, Error: result.Err.Error()}
	}
	delete(s.cancelReason, result.JobID)

	if err := s.finishLocked(result.JobID, out); err != nil {
		log.Error("failed to finish job", "jobID", result.JobID, "error", err)
		return
	}

	switch out.State {
	case types.StateSucceeded:
		// The latency histogram covers the whole submit-to-terminal span,
		// queue wait included, not just the worker's execution time.
		latency := time.Duration(time.Now().UnixMilli()-job.SubmittedAt) * time.Millisecond
		s.collector.RecordSucceeded(latency.Seconds())
		log.Debug("job completed", "jobID", result.JobID,
			"latency", latency, "execution", result.Duration)
	case types.StateCancelled:
		s.collector.RecordCancelled()
		log.Debug("job cancelled", "jobID", result.JobID, "reason", out.CancelReason)
	default:
		s.collector.RecordFailed()
		log.Warn("job failed", "jobID", result.JobID, "error", out.Error)
	}
}

// deadlineLoop cancels jobs whose deadline passed before a worker picked
// them up. Running jobs are bounded by their worker context instead.
func (s *Scheduler) deadlineLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("deadline loop stopped")
			return

		case <-ticker.C:
			for _, jobID := range s.table.ExpiredDeadlines(time.Now()) {
				job, exists := s.table.Get(jobID)
				if !exists || job.State.Terminal() {
					continue
				}

				// An attached handle expires on its own deadline; the
				// primary execution keeps running for its other handles.
				if job.AttachedTo != "" {
					s.mu.Lock()
					err := s.expireHandleLocked(jobID)
					s.mu.Unlock()
					if err != nil {
						log.Error("failed to expire handle", "jobID", jobID, "error", err)
						continue
					}
					log.Debug("attached handle deadline expired",
						"jobID", jobID, "primary", job.AttachedTo)
					continue
				}

				if job.State != types.StateQueued {
					continue
				}
				s.mu.Lock()
				err := s.finishLocked(jobID, Outcome{
					State:        types.StateCancelled,
					CancelReason: types.ReasonDeadlineExceeded,
				})
				s.mu.Unlock()
				if err != nil && !errors.Is(err, ErrTerminalJob) {
					log.Error("failed to expire job", "jobID", jobID, "error", err)
					continue
				}
				log.Debug("job deadline expired while queued", "jobID", jobID)
			}
		}
	}
}

// expireHandleLocked settles one attached handle as deadline-exceeded,
// leaving the primary execution untouched. Caller holds s.mu.
func (s *Scheduler) expireHandleLocked(jobID types.JobID) error {
	job, exists := s.table.Get(jobID)
	if !exists || job.State.Terminal() || job.AttachedTo == "" {
		return nil
	}
	if err := s.appendFinish(jobID, journal.Event{
		State:  types.StateCancelled,
		Reason: types.ReasonDeadlineExceeded,
	}); err != nil {
		return err
	}
	if err := s.table.MarkHandleCancelled(jobID, types.ReasonDeadlineExceeded); err != nil {
		return err
	}
	s.streams.Detach(jobID)
	s.collector.RecordCancelled()
	return nil
}

// snapshotLoop periodically persists the job table and rotates the
// journal.
func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("snapshot loop stopped")
			return

		case <-ticker.C:
			if err := s.takeSnapshot(); err != nil {
				log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

// maintenanceLoop sweeps expired streams, purges old terminal jobs, and
// refreshes the state gauges.
func (s *Scheduler) maintenanceLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("maintenance loop stopped")
			return

		case <-ticker.C:
			s.streams.Sweep(time.Now())

			cutoff := time.Now().Add(-s.config.Retention)
			for _, jobID := range s.table.RemoveOlderThan(cutoff) {
				s.streams.Drop(jobID)
				s.mu.Lock()
				if fp, pinnedHere := s.pinned[jobID]; pinnedHere {
					s.cache.Release(fp)
					delete(s.pinned, jobID)
				}
				s.mu.Unlock()
			}

			stats := s.table.Stats()
			s.collector.UpdateQueueStats(stats["queued"], stats["running"])
			s.collector.UpdateSubscribers(s.streams.Subscribers())
			s.collector.UpdateCacheStats(s.cache.Len(), s.cache.Bytes())
		}
	}
}

// ============================================================================
// Internal helpers
// ============================================================================

// finishLocked journals and applies a terminal outcome, then publishes
// the terminal frame. Caller holds s.mu.
func (s *Scheduler) finishLocked(jobID types.JobID, out Outcome) error {
	job, exists := s.table.Get(jobID)
	if !exists {
		return ErrUnknownJob
	}

	if err := s.appendFinish(jobID, journal.Event{
		State:       out.State,
		Fingerprint: job.Fingerprint,
		Error:       out.Error,
		Reason:      out.CancelReason,
	}); err != nil {
		return err
	}

	if _, err := s.table.MarkTerminal(jobID, out); err != nil {
		return err
	}
	s.pendingInputs.Delete(jobID)

	s.streams.Open(jobID) // ensure a stream exists for late subscribers
	s.streams.PublishTerminal(jobID, out.State, out.Result, out.Error, out.CancelReason)
	return nil
}

func (s *Scheduler) appendSubmit(job types.Job, flush bool) error {
	if err := s.journal.Append(journal.Event{
		Type:  journal.EventSubmit,
		JobID: job.ID,
		Job:   stripResult(job),
	}, flush); err != nil {
		return fmt.Errorf("failed to journal submit: %w", err)
	}
	return nil
}

func (s *Scheduler) appendFinish(jobID types.JobID, tmpl journal.Event) error {
	tmpl.Type = journal.EventFinish
	tmpl.JobID = jobID
	if err := s.journal.Append(tmpl, false); err != nil {
		return fmt.Errorf("failed to journal finish: %w", err)
	}
	return nil
}

func (s *Scheduler) takeSnapshot() error {
	start := time.Now()

	s.mu.Lock()
	data := s.table.Snapshot()
	data.LastSeq = s.journal.LastSeq()
	s.mu.Unlock()

	if err := s.snapshots.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	log.Debug("snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs))
	return nil
}

// contentHash fingerprints the submission's input data. Inline data wins
// over a reference; with neither, a fixed tag keeps the fingerprint
// well-defined.
func (s *Scheduler) contentHash(req SubmitRequest) string {
	if len(req.InputData) > 0 {
		return fingerprint.HashBytes(req.InputData)
	}
	if req.InputRef != "" {
		sum := sha256.Sum256([]byte("ref:" + req.InputRef))
		return hex.EncodeToString(sum[:])
	}
	return "no-input"
}

// stripResult drops the result payload before journaling; results live
// in the cache, keyed by fingerprint.
func stripResult(job types.Job) *types.Job {
	c := job.Clone()
	c.Result = nil
	return &c
}
