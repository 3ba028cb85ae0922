package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// default step timeout is 1m
	DefaultStepTimeout = 60 * time.Second
)

// StepFunc is a unit of work executed by the pool.
type StepFunc func(ctx context.Context) (interface{}, error)

// AttemptPolicy bounds how a StepFunc is retried.
type AttemptPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type jobResult struct {
	res interface{}
	err error
}

type poolJob struct {
	ctx    context.Context
	fn     StepFunc
	result chan jobResult
}

// WorkerPool runs step attempts on a fixed set of goroutines so CPU-bound
// handlers cannot starve the engine's own scheduling.
type WorkerPool struct {
	logger  Logger
	jobs    chan poolJob
	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewWorkerPool(logger Logger) *WorkerPool {
	return &WorkerPool{logger: orNop(logger)}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan poolJob, workers)
	wp.started = true
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	// Close the job channel to stop accepting new work
	close(wp.jobs)
	wp.mu.Unlock()

	// Wait for all workers to finish
	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		if err := job.ctx.Err(); err != nil {
			job.result <- jobResult{err: err}
			continue
		}
		job.result <- wp.execute(job)
	}
}

func (wp *WorkerPool) execute(job poolJob) (out jobResult) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Step panicked: %v", r)
			out = jobResult{err: errors.Wrapf(ErrExecution, "panic: %v", r)}
		}
	}()
	res, err := job.fn(job.ctx)
	return jobResult{res: res, err: err}
}

// Submit runs fn on a worker and waits for it. When ctx ends first Submit
// returns immediately; the worker still finishes fn, which should honour ctx.
func (wp *WorkerPool) Submit(ctx context.Context, fn StepFunc) (interface{}, error) {
	job := poolJob{ctx: ctx, fn: fn, result: make(chan jobResult, 1)}

	wp.mu.RLock()
	if !wp.started || wp.stopped {
		wp.mu.RUnlock()
		return nil, errors.Wrap(ErrNotRunning, "worker pool")
	}
	select {
	case wp.jobs <- job:
	case <-ctx.Done():
		wp.mu.RUnlock()
		return nil, ctx.Err()
	}
	wp.mu.RUnlock()

	select {
	case r := <-job.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes fn with per-attempt timeouts and retries. onAttempt, when set,
// is told the 1-based number of each attempt before it starts. Timeouts come
// back as ErrTimeout, other failures as ErrExecution, and cancellation of ctx
// ends the retries with ctx.Err().
func (wp *WorkerPool) Run(ctx context.Context, policy AttemptPolicy, fn StepFunc, onAttempt func(attempt int)) (interface{}, int, error) {
	timeout := policy.Timeout
	if timeout <= 0 {
		// timeout is not defined on the step, going with the default
		timeout = DefaultStepTimeout
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attempts = attempt + 1
		if onAttempt != nil {
			onAttempt(attempts)
		}

		// Create a timeout context for this attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := wp.Submit(attemptCtx, fn)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			return res, attempts, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if errors.Is(err, ErrNotRunning) {
			return nil, attempts, err
		}
		if timedOut {
			lastErr = errors.Wrapf(ErrTimeout, "attempt %d exceeded %s", attempts, timeout)
		} else {
			lastErr = asExecutionErr(err)
		}

		if attempt < policy.MaxRetries {
			wp.logger.Infof("Retrying after attempt %d/%d: %v", attempts, policy.MaxRetries+1, lastErr)
			select {
			case <-time.After(policy.RetryDelay):
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			}
		}
	}
	return nil, attempts, lastErr
}

// asExecutionErr wraps err in ErrExecution unless it already carries one of
// the taxonomy sentinels.
func asExecutionErr(err error) error {
	for _, sentinel := range []error{ErrExecution, ErrTimeout, ErrUnavailable, ErrUnsupportedOperation, ErrNotFound, ErrValidation, ErrResourceExhausted} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return errors.Wrap(ErrExecution, fmt.Sprint(err))
}
