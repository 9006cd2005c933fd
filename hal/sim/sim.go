// Package sim provides an in-memory hal.Transport.
//
// Device data is queued per pipe with Feed and handed to in-flight
// transfers in submission order. Completions are delivered by a single
// completer goroutine, so callbacks observe the same ordering real host
// controllers provide and never run on the caller's stack.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// Transport implements hal.Transport in memory.
type Transport struct {
	pipes []hal.PipeInfo

	mu        sync.Mutex
	iso       map[int][]*hal.IsoTransfer
	bulk      map[int][]*hal.BulkTransfer
	data      map[int][][]byte
	faults    map[int]pkg.TransferStatus
	resetErr  map[int]error
	submits   map[int][]int
	resets    map[int]int
	aborts    map[int]int
	alts      map[uint8]uint8
	controls  []hal.SetupPacket
	connected bool
	closed    bool

	// Completer queue
	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a simulated transport with the given pipe table. Pipe
// indices are rewritten to match their position.
func New(pipes ...hal.PipeInfo) *Transport {
	t := &Transport{
		pipes:     make([]hal.PipeInfo, len(pipes)),
		iso:       make(map[int][]*hal.IsoTransfer),
		bulk:      make(map[int][]*hal.BulkTransfer),
		data:      make(map[int][][]byte),
		faults:    make(map[int]pkg.TransferStatus),
		resetErr:  make(map[int]error),
		submits:   make(map[int][]int),
		resets:    make(map[int]int),
		aborts:    make(map[int]int),
		alts:      make(map[uint8]uint8),
		connected: true,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i, p := range pipes {
		p.Index = i
		t.pipes[i] = p
	}

	t.wg.Add(1)
	go t.completer()
	return t
}

// Pipes returns the pipe table.
func (t *Transport) Pipes() []hal.PipeInfo {
	return t.pipes
}

func (t *Transport) checkPipe(pipe int, types ...hal.PipeType) error {
	if pipe < 0 || pipe >= len(t.pipes) {
		return fmt.Errorf("%w: index %d", pkg.ErrInvalidPipe, pipe)
	}
	for _, typ := range types {
		if t.pipes[pipe].Type == typ {
			return nil
		}
	}
	return fmt.Errorf("%w: pipe %d is %s", pkg.ErrInvalidPipe, pipe, t.pipes[pipe].Type)
}

// SubmitIso queues an isochronous transfer.
func (t *Transport) SubmitIso(x *hal.IsoTransfer) error {
	if err := t.checkPipe(x.Pipe, hal.PipeIsochronous); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pkg.ErrNotRunning
	}
	if !t.connected {
		return pkg.ErrNoDevice
	}

	t.iso[x.Pipe] = append(t.iso[x.Pipe], x)
	t.submits[x.Pipe] = append(t.submits[x.Pipe], len(x.Buffer))
	t.deliverLocked(x.Pipe)
	return nil
}

// SubmitBulk queues a bulk or interrupt transfer.
func (t *Transport) SubmitBulk(x *hal.BulkTransfer) error {
	if err := t.checkPipe(x.Pipe, hal.PipeBulk, hal.PipeInterrupt); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pkg.ErrNotRunning
	}
	if !t.connected {
		return pkg.ErrNoDevice
	}

	t.bulk[x.Pipe] = append(t.bulk[x.Pipe], x)
	t.submits[x.Pipe] = append(t.submits[x.Pipe], len(x.Buffer))
	t.deliverLocked(x.Pipe)
	return nil
}

// Control records the request. IN requests return zeroed data.
func (t *Transport) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return 0, pkg.ErrNoDevice
	}
	t.controls = append(t.controls, *setup)
	if setup.RequestType&0x80 != 0 {
		n := min(int(setup.Length), len(data))
		clear(data[:n])
		return n, nil
	}
	return len(data), nil
}

// AbortPipe completes every in-flight transfer on the pipe as cancelled.
func (t *Transport) AbortPipe(pipe int) error {
	if err := t.checkPipe(pipe, hal.PipeIsochronous, hal.PipeBulk, hal.PipeInterrupt); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.aborts[pipe]++
	t.flushLocked(pipe, pkg.TransferStatusCancelled)
	return nil
}

// ResetPipe records an endpoint reset.
func (t *Transport) ResetPipe(ctx context.Context, pipe int) error {
	if err := t.checkPipe(pipe, hal.PipeIsochronous, hal.PipeBulk, hal.PipeInterrupt); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return pkg.ErrNoDevice
	}
	t.resets[pipe]++
	if err := t.resetErr[pipe]; err != nil {
		delete(t.resetErr, pipe)
		return err
	}
	return nil
}

// PortConnected reports whether the simulated device is attached.
func (t *Transport) PortConnected(context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetInterface records the selected alternate setting.
func (t *Transport) SetInterface(ctx context.Context, iface, alt uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return pkg.ErrNoDevice
	}
	t.alts[iface] = alt
	return nil
}

// Close completes outstanding transfers as cancelled and stops the
// completer goroutine.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for pipe := range t.pipes {
		t.flushLocked(pipe, pkg.TransferStatusCancelled)
	}
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	return nil
}

// =============================================================================
// Simulation Controls
// =============================================================================

// Feed queues device payloads on a pipe. Each payload fills one iso packet
// or satisfies (part of) one bulk transfer.
func (t *Transport) Feed(pipe int, payloads ...[]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range payloads {
		t.data[pipe] = append(t.data[pipe], append([]byte(nil), p...))
	}
	t.deliverLocked(pipe)
}

// Fail completes the next transfer on the pipe with status.
func (t *Transport) Fail(pipe int, status pkg.TransferStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.faults[pipe] = status
	t.deliverLocked(pipe)
}

// Tick completes every in-flight isochronous transfer on the pipe, as a
// frame interval would: queued data fills packets in order and the rest
// complete empty.
func (t *Transport) Tick(pipe int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.iso[pipe]) > 0 {
		if len(t.data[pipe]) == 0 {
			t.data[pipe] = append(t.data[pipe], nil)
		}
		t.deliverLocked(pipe)
	}
}

// FailReset makes the next ResetPipe on the pipe return err.
func (t *Transport) FailReset(pipe int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetErr[pipe] = err
}

// Disconnect detaches the device. In-flight transfers complete with
// TransferStatusNoDevice.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	for pipe := range t.pipes {
		t.flushLocked(pipe, pkg.TransferStatusNoDevice)
	}
}

// InFlight returns the number of transfers outstanding on the pipe.
func (t *Transport) InFlight(pipe int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.iso[pipe]) + len(t.bulk[pipe])
}

// Pending returns the number of queued payloads not yet consumed.
func (t *Transport) Pending(pipe int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data[pipe])
}

// Submissions returns the buffer length of every transfer submitted on the
// pipe, in order.
func (t *Transport) Submissions(pipe int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.submits[pipe]...)
}

// Resets returns how many times the pipe was reset.
func (t *Transport) Resets(pipe int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets[pipe]
}

// Aborts returns how many times the pipe was aborted.
func (t *Transport) Aborts(pipe int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborts[pipe]
}

// Alternate returns the alternate setting last selected for iface.
func (t *Transport) Alternate(iface uint8) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alts[iface]
}

// Controls returns the control requests issued so far.
func (t *Transport) Controls() []hal.SetupPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]hal.SetupPacket(nil), t.controls...)
}

// =============================================================================
// Delivery
// =============================================================================

// deliverLocked matches queued data and faults with in-flight transfers.
func (t *Transport) deliverLocked(pipe int) {
	for len(t.iso[pipe]) > 0 {
		fault, faulted := t.faults[pipe]
		if !faulted && len(t.data[pipe]) == 0 {
			break
		}
		x := t.iso[pipe][0]
		t.iso[pipe] = t.iso[pipe][1:]

		if faulted {
			delete(t.faults, pipe)
			x.Status = fault
		} else {
			x.Status = pkg.TransferStatusSuccess
			for i := range x.Packets {
				p := &x.Packets[i]
				p.ActualLength = 0
				p.Status = pkg.TransferStatusSuccess
				if len(t.data[pipe]) == 0 {
					continue
				}
				payload := t.data[pipe][0]
				t.data[pipe] = t.data[pipe][1:]
				p.ActualLength = copy(x.Buffer[p.Offset:p.Offset+p.Length], payload)
				if len(payload) > p.Length {
					p.Status = pkg.TransferStatusOverrun
				}
			}
		}
		t.post(func() { x.Complete(x) })
	}

	for len(t.bulk[pipe]) > 0 {
		fault, faulted := t.faults[pipe]
		if !faulted && len(t.data[pipe]) == 0 {
			break
		}
		x := t.bulk[pipe][0]
		t.bulk[pipe] = t.bulk[pipe][1:]

		if faulted {
			delete(t.faults, pipe)
			x.Status = fault
			x.Actual = 0
		} else {
			payload := t.data[pipe][0]
			n := copy(x.Buffer, payload)
			if n < len(payload) {
				t.data[pipe][0] = payload[n:]
			} else {
				t.data[pipe] = t.data[pipe][1:]
			}
			x.Status = pkg.TransferStatusSuccess
			x.Actual = n
		}
		t.post(func() { x.Complete(x) })
	}
}

// flushLocked completes every in-flight transfer on the pipe with status.
func (t *Transport) flushLocked(pipe int, status pkg.TransferStatus) {
	for _, x := range t.iso[pipe] {
		x.Status = status
		for i := range x.Packets {
			x.Packets[i].ActualLength = 0
		}
		t.post(func() { x.Complete(x) })
	}
	t.iso[pipe] = nil

	for _, x := range t.bulk[pipe] {
		x.Status = status
		x.Actual = 0
		t.post(func() { x.Complete(x) })
	}
	t.bulk[pipe] = nil
}

// post appends a completion to the completer queue without blocking.
func (t *Transport) post(fn func()) {
	t.queueMu.Lock()
	t.queue = append(t.queue, fn)
	t.queueMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// completer runs completion callbacks one at a time, in posting order.
func (t *Transport) completer() {
	defer t.wg.Done()

	for {
		t.queueMu.Lock()
		batch := t.queue
		t.queue = nil
		t.queueMu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-t.wake:
		case <-t.done:
			t.queueMu.Lock()
			rest := t.queue
			t.queue = nil
			t.queueMu.Unlock()
			for _, fn := range rest {
				fn()
			}
			return
		}
	}
}
