package stream

import (
	"context"
	"sync"

	"github.com/ardnew/usbcap/pkg"
)

// dispatcher decouples interrupt-context frame completion from blocking
// finalization. Completed frames are queued in capture order and a single
// worker finalizes and completes them in that order.
type dispatcher struct {
	handle func(ctx context.Context, r *FrameRequest)
	flush  func(r *FrameRequest) // Frames still queued at shutdown
	depth  func(n int)

	mu       sync.Mutex
	queue    []*FrameRequest
	stopping bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newDispatcher(handle func(context.Context, *FrameRequest), flush func(*FrameRequest), depth func(int)) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	if flush == nil {
		flush = func(r *FrameRequest) { r.cancel() }
	}
	return &dispatcher{
		handle: handle,
		flush:  flush,
		depth:  depth,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// start launches the worker.
func (q *dispatcher) start() {
	go q.run()
}

// enqueue appends a completed frame and wakes the worker. It never blocks
// and is safe from interrupt context. It reports false after shutdown.
func (q *dispatcher) enqueue(r *FrameRequest) bool {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, r)
	n := len(q.queue)
	q.mu.Unlock()

	if q.depth != nil {
		q.depth(n)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// size returns the number of queued frames.
func (q *dispatcher) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// shutdown stops the worker, which flushes everything still queued, and
// waits for it to exit.
func (q *dispatcher) shutdown() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopping = true
	q.mu.Unlock()

	q.cancel()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *dispatcher) run() {
	defer close(q.done)
	pkg.LogDebug(pkg.ComponentDispatch, "dispatch worker started")

	for range q.wake {
		for {
			q.mu.Lock()
			if q.stopping {
				rest := q.queue
				q.queue = nil
				q.mu.Unlock()
				for _, r := range rest {
					q.flush(r)
				}
				if q.depth != nil {
					q.depth(0)
				}
				pkg.LogDebug(pkg.ComponentDispatch, "dispatch worker stopped", "flushed", len(rest))
				return
			}
			if len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			r := q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			n := len(q.queue)
			q.mu.Unlock()

			if q.depth != nil {
				q.depth(n)
			}
			q.handle(q.ctx, r)
		}
	}
}
