package libusb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// endpoint performs one blocking transfer.
type endpoint interface {
	transfer(ctx context.Context, buf []byte) (int, error)
}

type inEndpoint struct{ *gousb.InEndpoint }

func (e inEndpoint) transfer(ctx context.Context, buf []byte) (int, error) {
	return e.ReadContext(ctx, buf)
}

type outEndpoint struct{ *gousb.OutEndpoint }

func (e outEndpoint) transfer(ctx context.Context, buf []byte) (int, error) {
	return e.WriteContext(ctx, buf)
}

// job is a queued transfer. do performs the I/O and completes the
// descriptor; skip completes it as cancelled without touching the bus.
type job struct {
	ctx  context.Context
	do   func(ctx context.Context, ep endpoint)
	skip func()
}

// lane serializes the transfers of one pipe.
type lane struct {
	info hal.PipeInfo
	ep   endpoint
	root context.Context

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	ctx    context.Context // generation context, replaced on abort
	cancel context.CancelFunc
	closed bool
}

func newLane(root context.Context, info hal.PipeInfo, ep endpoint) *lane {
	l := &lane{info: info, ep: ep, root: root}
	l.cond = sync.NewCond(&l.mu)
	l.ctx, l.cancel = context.WithCancel(root)
	return l
}

func (t *Transport) openLane(intf *gousb.Interface, p hal.PipeInfo) (*lane, error) {
	num := int(p.Endpoint & 0x0F)
	if p.IsIn() {
		in, err := intf.InEndpoint(num)
		if err != nil {
			return nil, fmt.Errorf("in endpoint %d: %w", num, err)
		}
		return newLane(t.root, p, inEndpoint{in}), nil
	}
	out, err := intf.OutEndpoint(num)
	if err != nil {
		return nil, fmt.Errorf("out endpoint %d: %w", num, err)
	}
	return newLane(t.root, p, outEndpoint{out}), nil
}

// push queues a job bound to the current generation.
func (l *lane) push(j job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return pkg.ErrNotRunning
	}
	j.ctx = l.ctx
	l.queue = append(l.queue, j)
	l.cond.Signal()
	return nil
}

// abort cancels the current generation. Jobs queued before the call
// complete as cancelled; later pushes run normally.
func (l *lane) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancel()
	l.ctx, l.cancel = context.WithCancel(l.root)
}

// shutdown cancels everything and makes run return once the queue drains.
func (l *lane) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cancel()
	l.cond.Broadcast()
}

func (l *lane) next() (job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.queue) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.queue) == 0 {
		return job{}, false
	}
	j := l.queue[0]
	l.queue[0] = job{}
	l.queue = l.queue[1:]
	return j, true
}

func (l *lane) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		j, ok := l.next()
		if !ok {
			return
		}
		if j.ctx.Err() != nil {
			j.skip()
			continue
		}
		j.do(j.ctx, l.ep)
	}
}

// isoJob reads each packet of x separately. Per-packet errors stay on the
// packet; stalls, removal and cancellation end the transfer.
func isoJob(x *hal.IsoTransfer) job {
	cancelled := func() {
		x.Status = pkg.TransferStatusCancelled
		for i := range x.Packets {
			x.Packets[i].ActualLength = 0
			x.Packets[i].Status = pkg.TransferStatusCancelled
		}
		x.Complete(x)
	}
	return job{
		skip: cancelled,
		do: func(ctx context.Context, ep endpoint) {
			x.Status = pkg.TransferStatusSuccess
			for i := range x.Packets {
				p := &x.Packets[i]
				n, err := ep.transfer(ctx, x.Buffer[p.Offset:p.Offset+p.Length])
				p.ActualLength, p.Status = n, statusOf(err)

				switch p.Status {
				case pkg.TransferStatusCancelled:
					cancelled()
					return
				case pkg.TransferStatusStall, pkg.TransferStatusNoDevice:
					x.Status = p.Status
					x.Complete(x)
					return
				}
			}
			x.Complete(x)
		},
	}
}

func bulkJob(x *hal.BulkTransfer) job {
	return job{
		skip: func() {
			x.Actual, x.Status = 0, pkg.TransferStatusCancelled
			x.Complete(x)
		},
		do: func(ctx context.Context, ep endpoint) {
			n, err := ep.transfer(ctx, x.Buffer)
			x.Actual, x.Status = n, statusOf(err)
			x.Complete(x)
		},
	}
}
