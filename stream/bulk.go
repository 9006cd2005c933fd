package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// startBulkLocked begins a new transfer sequence on a bulk slot. The caller
// holds s.mu.
func (d *Device) startBulkLocked(s *transferSlot) error {
	if s.pending != 0 {
		return fmt.Errorf("%w: slot %d has a chunk in flight", pkg.ErrBusy, s.index)
	}
	s.beginSequence()
	return d.submitChunkLocked(s)
}

// submitChunkLocked submits the next chunk of a bulk sequence. Chunks
// smaller than a packet land in the scratch buffer to keep the transfer
// packet aligned. The caller holds s.mu.
func (d *Device) submitChunkLocked(s *transferSlot) error {
	p, err := d.pipe(s.pipe)
	if err != nil {
		return err
	}
	ref := s.nextChunk(p)

	s.xfer = hal.BulkTransfer{
		Pipe:     s.pipe,
		Buffer:   ref.backing,
		Complete: func(x *hal.BulkTransfer) { d.bulkComplete(s, x) },
	}
	s.issued = 1
	s.pending = 1

	l := d.ledger(s.pipe)
	l.Enqueue(s)
	if err := d.transport.SubmitBulk(&s.xfer); err != nil {
		l.Remove(s)
		s.pending = 0
		return fmt.Errorf("submit bulk pipe %d: %w", s.pipe, err)
	}
	return nil
}

// bulkComplete handles one chunk. The sequence continues until the
// destination is full or a chunk comes back short. Interrupt context.
func (d *Device) bulkComplete(s *transferSlot, x *hal.BulkTransfer) {
	d.ledger(x.Pipe).Remove(s)

	var ch *channel
	if s.kind != slotExternal {
		ch = d.channel(s.channel)
	}

	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	status := x.Status
	if status == pkg.TransferStatusSuccess {
		landed := s.ref.copyBack(s.dest[s.offset:s.offset+s.chunk], x.Actual)
		s.offset += landed
		s.remaining -= landed

		more := s.remaining > 0 && landed == s.chunk
		if more && (s.abandoned || (ch != nil && !d.resubmitAllowed(ch))) {
			more = false
			status = pkg.TransferStatusCancelled
		}
		if more {
			err := d.submitChunkLocked(s)
			if err == nil {
				s.mu.Unlock()
				return
			}
			status = pkg.StatusFromError(err)
		}
	}
	if status == pkg.TransferStatusCancelled && s.cancelled && s.retain && d.ledger(s.pipe).Retained(s) {
		// Cancelled for an interface change; resubmitted from the restore
		// list afterwards.
		s.mu.Unlock()
		return
	}
	n := s.offset
	if s.kind != slotExternal && status == pkg.TransferStatusSuccess {
		s.scheduled = true
	}
	s.mu.Unlock()

	if s.kind == slotExternal {
		d.finishExternal(s, n, status)
		return
	}
	if ch == nil {
		s.park()
		return
	}
	switch {
	case status == pkg.TransferStatusSuccess:
		d.reassembleBulk(ch, s.dest[:n])
		d.scheduleResubmit(ch, s)
	case status.IsFault():
		d.latchFault(ch, s.pipe, status)
	}
}

// =============================================================================
// External Requests
// =============================================================================

// SubmitTransfer issues a one-shot bulk or interrupt IN request on pipe.
// done runs once with the bytes received and the outcome, in interrupt
// context. Only one request may be outstanding per pipe; a second fails
// immediately with ErrBusy. From interrupt context the submission is
// deferred to the work pool.
func (d *Device) SubmitTransfer(ec ExecContext, pipe int, buf []byte, done func(n int, err error)) error {
	if len(buf) == 0 || done == nil {
		return fmt.Errorf("%w: buffer and completion are required", pkg.ErrInvalidParameter)
	}
	if d.removed.Load() {
		return pkg.ErrNoDevice
	}
	p, err := d.pipe(pipe)
	if err != nil {
		return err
	}
	if (p.Type != hal.PipeBulk && p.Type != hal.PipeInterrupt) || !p.IsIn() {
		return fmt.Errorf("%w: pipe %d is %s", pkg.ErrInvalidPipe, pipe, p.Type)
	}

	s := newExternalSlot(p, buf, done)

	d.mu.Lock()
	switch {
	case d.lockStatus != 0:
		d.mu.Unlock()
		return fmt.Errorf("%w: interface renegotiation in progress", pkg.ErrBusy)
	case d.external[pipe] != nil:
		d.mu.Unlock()
		return fmt.Errorf("%w: pipe %d has an outstanding request", pkg.ErrBusy, pipe)
	}
	for _, ch := range d.channels {
		if ch != nil && ch.format.Pipe == pipe {
			d.mu.Unlock()
			return fmt.Errorf("%w: pipe %d owned by channel %d", pkg.ErrBusy, pipe, ch.id)
		}
	}
	d.external[pipe] = s
	d.mu.Unlock()

	if !ec.CanBlock() {
		ok := d.pool.TrySubmit(func(context.Context) {
			if err := d.startExternal(s); err != nil {
				d.finishExternal(s, 0, pkg.StatusFromError(err))
			}
		})
		d.metrics.job(d.id, ok)
		if !ok {
			d.releaseExternal(s)
			return fmt.Errorf("%w: deferred submission queue full", pkg.ErrNoResources)
		}
		return nil
	}

	if err := d.startExternal(s); err != nil {
		d.releaseExternal(s)
		return err
	}
	return nil
}

func (d *Device) startExternal(s *transferSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return pkg.ErrCancelled
	}
	s.beginSequence()
	return d.submitChunkLocked(s)
}

// restartExternal resubmits a retained request from its start.
func (d *Device) restartExternal(s *transferSlot) error {
	if err := d.startExternal(s); err != nil {
		d.finishExternal(s, 0, pkg.StatusFromError(err))
		return fmt.Errorf("restore pipe %d: %w", s.pipe, err)
	}
	return nil
}

// finishExternal releases the pipe and runs the caller's completion.
func (d *Device) finishExternal(s *transferSlot, n int, status pkg.TransferStatus) {
	d.releaseExternal(s)

	var err error
	if status != pkg.TransferStatusSuccess {
		err = status.Error()
	}
	s.done(n, err)
	close(s.finished)
}

func (d *Device) releaseExternal(s *transferSlot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.external[s.pipe] == s {
		delete(d.external, s.pipe)
	}
}

// CancelTransfer cancels the outstanding external request on pipe and waits
// for its completion to be acknowledged. It blocks, so it is rejected from
// interrupt context.
func (d *Device) CancelTransfer(ctx context.Context, ec ExecContext, pipe int) error {
	if err := requireBlocking(ec, "cancel transfer"); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.external[pipe]
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	// A deferred submission that has not started yet observes this.
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()

	if err := d.transport.AbortPipe(pipe); err != nil {
		return fmt.Errorf("abort pipe %d: %w", pipe, err)
	}

	timer := time.NewTimer(d.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-s.finished:
		return nil
	case <-timer.C:
		return fmt.Errorf("cancel pipe %d: %w", pipe, pkg.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitLedgersIdle polls until no pipe has a transfer in flight, bounded by
// the cancel timeout.
func (d *Device) waitLedgersIdle(ctx context.Context) error {
	deadline := time.NewTimer(d.cfg.CancelTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		busy := false
		for _, l := range d.ledgerList() {
			if l.Outstanding() {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("wait for cancelled transfers: %w", pkg.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
