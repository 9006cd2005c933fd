package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// Reset results.
const (
	resetOK      = "ok"
	resetTimeout = "timeout"
	resetRemoved = "removed"
	resetFailed  = "failed"
	resetSkipped = "skipped"
)

// resetChannel recovers a channel from a latched stream fault: abort, wait
// for drain, reset the pipes, then restart capture and resubmit every slot
// if capture was active. It runs under the device control lock and releases
// the channel's reset claim on return.
//
// A disconnected port is terminal (ErrNoDevice). A drain timeout is
// retryable (ErrResetTimeout): the stream error stays latched and the
// watchdog schedules another attempt. Any other failure leaves the channel
// stopped.
func (d *Device) resetChannel(ctx context.Context, ec ExecContext, id ChannelID) (err error) {
	if err := requireBlocking(ec, "reset"); err != nil {
		return err
	}
	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	defer ch.resetClaim.Store(false)

	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	if !ch.hasFlags(flagStreamError) || ch.hasFlags(flagStopRequested) {
		d.recordReset(ch, resetSkipped, nil)
		return nil
	}
	defer func() {
		result := resetOK
		switch {
		case err == nil:
		case errors.Is(err, pkg.ErrResetTimeout):
			result = resetTimeout
		case errors.Is(err, pkg.ErrNoDevice):
			result = resetRemoved
		default:
			result = resetFailed
		}
		d.recordReset(ch, result, err)
	}()

	pkg.LogInfo(pkg.ComponentReset, "reset begin", "device", d.id, "channel", id)

	// (1) A device gone from its port cannot be recovered.
	if !d.transport.PortConnected(ctx) {
		d.markRemoved(WorkerContext)
		return fmt.Errorf("reset channel %d: %w", id, pkg.ErrNoDevice)
	}

	// (2) Force fast completion of anything still in flight.
	ch.setFlags(flagTimeoutWait)
	ch.fence()
	if err := d.abortPipes(ch); err != nil {
		ch.clearFlags(flagTimeoutWait)
		d.failStopped(ctx, ch)
		return fmt.Errorf("reset channel %d: %w", id, err)
	}

	// (3) Wait for the watchdog to confirm drain.
	if err := ch.waitFlagsClear(ctx, flagTimeoutWait, d.cfg.ResetTimeout); err != nil {
		ch.clearFlags(flagTimeoutWait)
		if errors.Is(err, pkg.ErrTimeout) {
			return fmt.Errorf("reset channel %d: %w", id, pkg.ErrResetTimeout)
		}
		return fmt.Errorf("reset channel %d: %w", id, err)
	}
	if d.removed.Load() {
		return fmt.Errorf("reset channel %d: %w", id, pkg.ErrNoDevice)
	}
	if ch.hasFlags(flagStopRequested) || !ch.hasFlags(flagStreamError) {
		return nil
	}

	// (4) Clear halted endpoint state.
	if err := d.resetPipes(ctx, ch); err != nil {
		d.failStopped(ctx, ch)
		return fmt.Errorf("reset channel %d: %w", id, err)
	}
	ch.clearFlags(flagStreamError)

	// (5) Restart capture and put the slots back in flight.
	if ch.started.Load() {
		if err := d.restartCapture(ctx, ch); err != nil {
			d.failStopped(ctx, ch)
			return fmt.Errorf("reset channel %d: %w", id, err)
		}
	}
	return nil
}

// resetPipes resets the channel's data and sync pipes.
func (d *Device) resetPipes(ctx context.Context, ch *channel) error {
	var result *multierror.Error
	if err := d.transport.ResetPipe(ctx, ch.format.Pipe); err != nil {
		result = multierror.Append(result, fmt.Errorf("reset pipe %d: %w", ch.format.Pipe, err))
	}
	if ch.format.SyncPipe != hal.NoPipe {
		if err := d.transport.ResetPipe(ctx, ch.format.SyncPipe); err != nil {
			result = multierror.Append(result, fmt.Errorf("reset pipe %d: %w", ch.format.SyncPipe, err))
		}
	}
	return result.ErrorOrNil()
}

// restartCapture reissues hardware stop/start and resubmits every slot
// fresh.
func (d *Device) restartCapture(ctx context.Context, ch *channel) error {
	kind := ch.format.Stream
	if ch.capturing.Swap(false) {
		if err := d.control.StopCapture(ctx, kind); err != nil {
			return fmt.Errorf("stop capture: %w", err)
		}
	}
	if err := d.control.StartCapture(ctx, kind); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	ch.capturing.Store(true)
	return d.submitSlots(ch)
}

// failStopped leaves a channel that could not be recovered stopped, with
// its requests completed as cancelled. A virtual still riding on it stops
// too.
func (d *Device) failStopped(ctx context.Context, ch *channel) {
	if still := d.channel(ch.stillID()); still != nil && still.started.Load() {
		d.failStopped(ctx, still)
	}

	ch.started.Store(false)
	ch.fence()
	if !ch.virtual() {
		if err := d.abortPipes(ch); err != nil {
			pkg.LogDebug(pkg.ComponentReset, "abort while stopping", "channel", ch.id, "error", err)
		}
	}
	if ch.capturing.Swap(false) {
		if err := d.control.StopCapture(ctx, ch.format.Stream); err != nil {
			pkg.LogDebug(pkg.ComponentReset, "stop capture while stopping", "channel", ch.id, "error", err)
		}
	}
	ch.clearFlags(flagStreamError | flagStopRequested | flagTimeoutWait)
	if n := ch.cancelRequests(); n > 0 {
		d.metrics.frameN(d.id, ch.format.Stream, resultCancelled, n)
	}
	d.emitState(ch, "stopped")
}

func (d *Device) recordReset(ch *channel, result string, err error) {
	if result != resetSkipped {
		ch.resets.Add(1)
	}
	d.metrics.reset(d.id, result)

	ev := ResetEvent{Device: d.id, Channel: ch.id, Result: result}
	if err != nil {
		ev.Err = err.Error()
		pkg.LogWarn(pkg.ComponentReset, "reset end", "device", d.id, "channel", ch.id, "result", result, "error", err)
	} else {
		pkg.LogInfo(pkg.ComponentReset, "reset end", "device", d.id, "channel", ch.id, "result", result)
	}
	d.emit(WorkerContext, ev)
}
