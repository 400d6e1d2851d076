package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/netmonkey/internal/lg"
)

const TotalMaxWorkers = 40

var ErrPoolClosed = errors.New("worker pool is closed")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs on a fixed number of workers.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	workers       sync.WaitGroup
	pending       sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
	maxWorkers    int
}

// NewPool starts maxWorkers workers. queueSize bounds how many jobs can
// wait for a worker before Submit blocks.
func NewPool[T any](maxWorkers, queueSize int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if queueSize < maxWorkers {
		queueSize = maxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], queueSize),
		maxWorkers: maxWorkers,
	}
	pool.workers.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.worker()
	}
	return pool
}

// Submit queues a job and returns without waiting for it to run.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		logger.Warn("Worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrPoolClosed
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		logger.Debug("Job submitted", lg.Any("job", job.Payload))
		return nil
	case <-job.Ctx.Done():
		p.pending.Done()
		return job.Ctx.Err()
	}
}

// Close stops accepting jobs. Queued jobs still run.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Wait blocks until every submitted job has finished.
func (p *Pool[T]) Wait() {
	p.pending.Wait()
}

// Stop closes the pool and waits for the workers to exit.
func (p *Pool[T]) Stop() {
	p.Close()
	p.workers.Wait()
}

func (p *Pool[T]) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	defer p.pending.Done()
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))

	if err := job.Ctx.Err(); err != nil {
		logger.Info("Job canceled before start", lg.Err(err))
		return
	}

	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	logger.Debug("Worker started", lg.Int32("workers", active))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Info("Worker error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
