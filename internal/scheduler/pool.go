// ============================================================================
// Worker Pool - Concurrent Capability Executor
// ============================================================================
//
// Package: internal/scheduler
// File: pool.go
// Function: Manage the lifecycle of N worker goroutines and distribute
// capability executions among them
//
// Design:
//   Classic worker pool:
//   1. A fixed number of worker goroutines run for the pool's lifetime
//   2. Tasks arrive over a shared buffered channel
//   3. Results leave over a shared buffered channel
//   4. A cancel registry lets the scheduler abort one running execution
//
// Shutdown:
//   Stop() flow:
//   1. Close stopCh so pending Submit calls bail out
//   2. Close taskCh to end the workers' range loops
//   3. Cancel every in-flight execution context
//   4. WaitGroup.Wait() until all workers exit
//   5. Close resultCh so the result loop terminates
//
// ============================================================================

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var (
	// ErrPoolClosed means the pool no longer accepts tasks
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start was never called
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Task is one capability execution handed to a worker.
type Task struct {
	Job      types.Job
	Runner   capability.Runner
	Request  capability.Request
	Timeout  time.Duration // 0 means no deadline
	Progress capability.ProgressFunc
}

// Result is the outcome of one execution.
type Result struct {
	JobID    types.JobID
	Output   json.RawMessage
	Err      error
	Duration time.Duration
}

// Pool runs capability executions on a fixed set of worker goroutines.
type Pool struct {
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	workers  int
	mu       sync.Mutex

	// cancels maps running jobs to their context cancel funcs so one
	// execution can be aborted without touching the rest.
	cancels map[types.JobID]context.CancelFunc
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		cancels:  make(map[types.JobID]context.CancelFunc),
	}
}

// Start launches workerCount worker goroutines.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
	p.workers = workerCount
	p.started = true
	return nil
}

// Submit hands a task to the pool. The stopCh select guards against the
// pool closing between the state check and the channel send.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available or the pool closes.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Cancel aborts the running execution of jobID, if any. Returns whether
// a running execution was found.
func (p *Pool) Cancel(jobID types.JobID) bool {
	p.mu.Lock()
	cancel, exists := p.cancels[jobID]
	p.mu.Unlock()
	if exists {
		cancel()
	}
	return exists
}

// Stop shuts the pool down, aborting in-flight executions. Safe to call
// more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)
	for _, cancel := range cancels {
		cancel()
	}

	p.wg.Wait()
	close(p.resultCh)
}

// WorkerCount returns the number of workers the pool was started with.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// run is one worker's main loop.
func (p *Pool) run(id int) {
	for task := range p.taskCh {
		start := time.Now()

		var ctx context.Context
		var cancel context.CancelFunc
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), task.Timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		p.mu.Lock()
		p.cancels[task.Job.ID] = cancel
		p.mu.Unlock()

		output, err := p.execute(ctx, task)

		p.mu.Lock()
		delete(p.cancels, task.Job.ID)
		p.mu.Unlock()
		cancel()

		p.resultCh <- Result{
			JobID:    task.Job.ID,
			Output:   output,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// execute runs the capability entry point, converting panics into plain
// errors so one broken capability cannot take a worker down.
func (p *Pool) execute(ctx context.Context, task Task) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("capability %s panicked: %v", task.Job.CapabilityName, r)
		}
	}()

	progress := task.Progress
	if progress == nil {
		progress = func(int, string) {}
	}
	return task.Runner.Run(ctx, task.Request, progress)
}
