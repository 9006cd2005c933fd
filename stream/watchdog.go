package stream

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbcap/pkg"
)

// watchdog is a channel's self re-arming periodic check.
type watchdog struct {
	mu       sync.Mutex // Held for the whole tick; disarm waits on it
	timer    *time.Timer
	enabled  bool
	interval time.Duration
}

// armWatchdog starts the channel's watchdog. Control context.
func (d *Device) armWatchdog(ch *channel) {
	w := &ch.wd
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enabled {
		return
	}
	w.enabled = true
	w.interval = d.cfg.watchdogInterval(ch.format.Stream)
	w.timer = time.AfterFunc(w.interval, func() { d.watchdogTick(ch) })
}

// disarmWatchdog stops the watchdog and waits out a tick in progress.
func (d *Device) disarmWatchdog(ch *channel) {
	w := &ch.wd
	w.mu.Lock()
	defer w.mu.Unlock()

	w.enabled = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// watchdogTick runs the periodic check and re-arms. Interrupt context.
func (d *Device) watchdogTick(ch *channel) {
	w := &ch.wd
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled {
		return
	}
	d.checkChannel(ch)
	w.timer.Reset(w.interval)
}

// drained reports whether no slot of the channel is in flight or awaiting
// resubmission. A virtual channel owns no slots.
func (d *Device) drained(ch *channel) bool {
	if ch.virtual() {
		return true
	}
	for _, s := range ch.slotList() {
		if !s.idle() {
			return false
		}
	}
	return true
}

// checkChannel acts on latched channel conditions once the channel has
// drained. Interrupt context.
func (d *Device) checkChannel(ch *channel) {
	flags := channelFlags(ch.flags.Load())
	removed := d.removed.Load()
	if flags&(flagStreamError|flagStopRequested|flagTimeoutWait) == 0 && !removed {
		return
	}
	if !d.drained(ch) {
		return
	}

	switch {
	case removed || flags&flagStopRequested != 0:
		if n := ch.cancelRequests(); n > 0 {
			d.metrics.frameN(d.id, ch.format.Stream, resultCancelled, n)
			pkg.LogDebug(pkg.ComponentWatchdog, "requests cancelled", "channel", ch.id, "count", n)
		}
		ch.clearFlags(flagStreamError | flagStopRequested | flagTimeoutWait)
		ch.signalDrained()

	case flags&flagStreamError != 0:
		// Queued requests are kept; the fault is expected to be transient.
		if flags&flagTimeoutWait != 0 {
			ch.clearFlags(flagTimeoutWait)
			ch.signalDrained()
			return
		}
		if !ch.resetClaim.CompareAndSwap(false, true) {
			return
		}
		id := ch.id
		ok := d.pool.TrySubmit(func(ctx context.Context) {
			if err := d.resetChannel(ctx, WorkerContext, id); err != nil {
				pkg.LogWarn(pkg.ComponentReset, "reset failed", "device", d.id, "channel", id,
					"error", err, "retryable", pkg.IsRetryable(err))
			}
		})
		d.metrics.job(d.id, ok)
		if !ok {
			ch.resetClaim.Store(false)
		}

	default:
		ch.clearFlags(flagTimeoutWait)
		ch.signalDrained()
	}
}
