package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("worker queue full")
	// ErrStopped is returned by Submit after Shutdown.
	ErrStopped = errors.New("worker runner stopped")
)

// Job is a unit of background work, e.g. one reconciliation session run.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (j JobFunc) Name() string                      { return j.ID }
func (j JobFunc) Execute(ctx context.Context) error { return j.Fn(ctx) }

// Runner is a long-lived pool of workers draining a bounded job queue.
// Unlike a batch pool it never closes its queue until Shutdown.
type Runner struct {
	workers  int
	jobQueue chan Job
	logger   *logrus.Logger

	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// NewRunner creates a runner with the given number of workers and queue
// capacity. Non-positive values fall back to 1 worker and workers*2 slots.
func NewRunner(workers, queueSize int, logger *logrus.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		workers:    workers,
		jobQueue:   make(chan Job, queueSize),
		logger:     logger,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the worker goroutines.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	for job := range r.jobQueue {
		r.execute(id, job)
	}
}

func (r *Runner) execute(id int, job Job) {
	log := r.logger.WithFields(logrus.Fields{"module": "worker", "worker": id, "job": job.Name()})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("job panicked")
		}
	}()

	log.Debug("job started")
	if err := job.Execute(r.ctx); err != nil {
		log.WithError(err).Warn("job failed")
		return
	}
	log.Debug("job finished")
}

// Submit enqueues job without blocking.
func (r *Runner) Submit(job Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}

	select {
	case r.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx expires first the shared job context is cancelled so running jobs can
// stop at their next checkpoint.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.jobQueue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancelFunc()
		return nil
	case <-ctx.Done():
		r.cancelFunc()
		<-done
		return ctx.Err()
	}
}
