package stream

import (
	"fmt"
	"time"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// submitIsoLocked puts an isochronous slot in flight: the data half and,
// when the format has one, the sync half. The caller holds s.mu.
func (d *Device) submitIsoLocked(s *transferSlot) error {
	if s.pending != 0 {
		return fmt.Errorf("%w: slot %d has %d halves in flight", pkg.ErrBusy, s.index, s.pending)
	}

	s.data.Reset()
	s.data.ASAP = true
	s.issued = 1
	if s.sync != nil {
		s.sync.Reset()
		s.sync.ASAP = true
		s.issued = 2
	}
	s.pending = s.issued
	s.cancelled = false
	s.failed = false
	s.status = pkg.TransferStatusSuccess

	data := d.ledger(s.pipe)
	data.Enqueue(s)
	if err := d.transport.SubmitIso(s.data); err != nil {
		data.Remove(s)
		s.pending = 0
		return fmt.Errorf("submit iso pipe %d: %w", s.pipe, err)
	}

	if s.sync != nil {
		sync := d.ledger(s.syncPipe)
		sync.Enqueue(s)
		if err := d.transport.SubmitIso(s.sync); err != nil {
			// The data half is in flight; latch the failure so it is not
			// resubmitted when it completes.
			sync.Remove(s)
			s.pending--
			s.failed = true
			s.status = pkg.StatusFromError(err)
			return fmt.Errorf("submit iso pipe %d: %w", s.syncPipe, err)
		}
	}
	return nil
}

// isoComplete handles one half of an isochronous slot. Interrupt context.
func (d *Device) isoComplete(s *transferSlot, x *hal.IsoTransfer) {
	d.ledger(x.Pipe).Remove(s)

	s.mu.Lock()
	switch {
	case x.Status == pkg.TransferStatusCancelled:
		s.cancelled = true
	case x.Status.IsFault():
		if !s.failed {
			s.failed = true
			s.status = x.Status
		}
	}
	if s.pending > 0 {
		s.pending--
	}
	if s.pending > 0 {
		s.mu.Unlock()
		return
	}
	failed, cancelled, status := s.failed, s.cancelled, s.status
	if !failed && !cancelled {
		// Owned by the pump until reassembled and resubmitted or parked.
		s.scheduled = true
	}
	s.mu.Unlock()

	ch := d.channel(s.channel)
	if ch == nil {
		s.park()
		return
	}
	switch {
	case failed && ch.started.Load():
		d.latchFault(ch, s.pipe, status)
	case failed, cancelled:
	default:
		d.reassembleIso(ch, s)
		d.scheduleResubmit(ch, s)
	}
}

// resubmitAllowed reports whether the channel's slots may go back in flight.
func (d *Device) resubmitAllowed(ch *channel) bool {
	return ch.started.Load() &&
		!ch.hasFlags(flagStopRequested|flagStreamError) &&
		!d.removed.Load()
}

// scheduleResubmit puts a completed slot back in flight after the resubmit
// delay, which bounds call depth when completions arrive back to back.
func (d *Device) scheduleResubmit(ch *channel, s *transferSlot) {
	if !d.resubmitAllowed(ch) {
		s.park()
		return
	}
	time.AfterFunc(d.cfg.ResubmitDelay, func() { d.resubmit(ch, s) })
}

func (d *Device) resubmit(ch *channel, s *transferSlot) {
	s.mu.Lock()
	s.scheduled = false
	if !d.resubmitAllowed(ch) {
		s.mu.Unlock()
		return
	}
	var err error
	if s.kind == slotIso {
		err = d.submitIsoLocked(s)
	} else {
		err = d.startBulkLocked(s)
	}
	s.mu.Unlock()

	if err != nil {
		d.latchFault(ch, s.pipe, pkg.StatusFromError(err))
	}
}

// park releases the pump's hold on a slot that will not be resubmitted.
func (s *transferSlot) park() {
	s.mu.Lock()
	s.scheduled = false
	s.mu.Unlock()
}

// latchFault records a stream error for the watchdog. The in-flight frame is
// dropped so its request is recycled rather than delivered partial.
// Interrupt context.
func (d *Device) latchFault(ch *channel, pipe int, status pkg.TransferStatus) {
	if status == pkg.TransferStatusNoDevice {
		d.markRemoved(InterruptContext)
	}
	if !ch.setFlags(flagStreamError) {
		return
	}
	ch.faults.Add(1)
	d.metrics.fault(d.id, ch.format.Stream, status.String())
	pkg.LogWarn(pkg.ComponentPump, "stream fault", "device", d.id, "channel", ch.id, "pipe", pipe, "status", status)

	d.dropActive(ch)
	d.emit(InterruptContext, StreamFaultEvent{
		Device:  d.id,
		Channel: ch.id,
		Pipe:    pipe,
		Status:  status.String(),
	})
}
