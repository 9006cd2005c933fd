package stream

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbcap/pkg"
)

// Job is a unit of deferred work. It runs in worker context.
type Job func(ctx context.Context)

// WorkPool runs deferred work items on a fixed set of workers.
//
// Interrupt-context code hands blocking work (reset coordination, deferred
// submissions, event publication) to the pool with TrySubmit, which never
// blocks.
type WorkPool struct {
	workers int
	jobs    chan Job

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pending  atomic.Int64
	rejected atomic.Uint64
}

// NewWorkPool creates a pool with the given worker count and queue depth.
func NewWorkPool(workers, depth int) *WorkPool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	return &WorkPool{
		workers: workers,
		jobs:    make(chan Job, depth),
	}
}

// Start starts the workers.
func (p *WorkPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return pkg.ErrAlreadyRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop cancels the pool context, lets queued jobs observe it, and waits for
// the workers to exit.
func (p *WorkPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return pkg.ErrNotRunning
	}
	p.running = false
	p.cancel()
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// TrySubmit queues a job without blocking. It reports false if the pool is
// stopped or its queue is full.
func (p *WorkPool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.jobs <- job:
		p.pending.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Submit queues a job, blocking until there is room or ctx is done.
func (p *WorkPool) Submit(ctx context.Context, job Job) error {
	for {
		if p.TrySubmit(job) {
			return nil
		}
		p.mu.RLock()
		running, poolCtx := p.running, p.ctx
		p.mu.RUnlock()
		if !running {
			return pkg.ErrNotRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poolCtx.Done():
			return pkg.ErrCancelled
		default:
		}
		// Queue full: yield to a worker.
		runtime.Gosched()
	}
}

// Pending returns the number of queued or running jobs.
func (p *WorkPool) Pending() int {
	return int(p.pending.Load())
}

// Rejected returns how many TrySubmit calls were refused.
func (p *WorkPool) Rejected() uint64 {
	return p.rejected.Load()
}

func (p *WorkPool) worker(id int) {
	defer p.wg.Done()
	pkg.LogDebug(pkg.ComponentDevice, "pool worker started", "id", id)

	for job := range p.jobs {
		job(p.ctx)
		p.pending.Add(-1)
	}

	pkg.LogDebug(pkg.ComponentDevice, "pool worker stopped", "id", id)
}
