package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// Open creates a channel for format.
//
// A virtual still channel rides on the open video channel that owns the
// same data pipe; it shares that channel's slots and must be opened,
// prepared and started after it.
func (d *Device) Open(format Format) (ChannelID, error) {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	if d.closed.Load() {
		return NoChannel, fmt.Errorf("%w: device closed", pkg.ErrInvalidState)
	}
	if d.removed.Load() {
		return NoChannel, pkg.ErrNoDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := validateFormat(format, d.pipes); err != nil {
		return NoChannel, err
	}
	if _, busy := d.external[format.Pipe]; busy {
		return NoChannel, fmt.Errorf("%w: pipe %d has an external request", pkg.ErrBusy, format.Pipe)
	}

	owner := NoChannel
	for _, c := range d.channels {
		if c == nil || c.virtual() {
			continue
		}
		if !sharesPipe(c.format, format) {
			continue
		}
		if !format.Virtual {
			return NoChannel, fmt.Errorf("%w: pipe %d owned by channel %d", pkg.ErrBusy, format.Pipe, c.id)
		}
		if c.format.Stream == StreamVideo && c.format.Pipe == format.Pipe {
			owner = c.id
		}
	}
	if format.Virtual {
		if owner == NoChannel {
			return NoChannel, fmt.Errorf("%w: no video channel open on pipe %d", pkg.ErrInvalidState, format.Pipe)
		}
		if d.channels[owner].stillID() != NoChannel {
			return NoChannel, fmt.Errorf("%w: channel %d already carries a still", pkg.ErrBusy, owner)
		}
	}

	id := NoChannel
	for i, c := range d.channels {
		if c == nil {
			id = ChannelID(i)
			break
		}
	}
	if id == NoChannel {
		return NoChannel, fmt.Errorf("%w: %d channels open", pkg.ErrNoResources, len(d.channels))
	}

	if owner == NoChannel {
		owner = id
	}
	ch := newChannel(id, format, owner)
	d.channels[id] = ch
	if format.Virtual {
		d.channels[owner].still.Store(int32(id))
	}

	pkg.LogInfo(pkg.ComponentChannel, "channel opened", "device", d.id, "channel", id,
		"stream", format.Stream, "pipe", format.Pipe, "virtual", format.Virtual)
	return id, nil
}

// sharesPipe reports whether two formats use any pipe in common.
func sharesPipe(a, b Format) bool {
	used := func(f Format, pipe int) bool {
		return pipe != hal.NoPipe && (f.Pipe == pipe || f.SyncPipe == pipe)
	}
	return used(a, b.Pipe) || used(a, b.SyncPipe)
}

// Prepare negotiates bandwidth, allocates the transfer slots and arms the
// channel watchdog.
func (d *Device) Prepare(ctx context.Context, id ChannelID) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	if ch.prepared.Load() {
		return fmt.Errorf("%w: channel %d already prepared", pkg.ErrInvalidState, id)
	}
	if d.removed.Load() {
		return pkg.ErrNoDevice
	}
	if ch.virtual() {
		owner := d.channel(ch.owner)
		if owner == nil || !owner.prepared.Load() {
			return fmt.Errorf("%w: video channel %d not prepared", pkg.ErrInvalidState, ch.owner)
		}
	}

	kind := ch.format.Stream
	frameLength, err := d.control.AllocateBandwidth(ctx, kind, ch.format)
	if err != nil {
		return fmt.Errorf("allocate bandwidth: %w", err)
	}
	switch {
	case frameLength <= 0:
		err = fmt.Errorf("%w: frame length %d", pkg.ErrInvalidParameter, frameLength)
	case frameLength > d.cfg.MaxFrameBytes:
		err = fmt.Errorf("%w: frame length %d exceeds %d", pkg.ErrNoResources, frameLength, d.cfg.MaxFrameBytes)
	}
	if err != nil {
		d.freeBandwidth(ctx, kind)
		return err
	}

	// Bandwidth negotiation may have selected a new alternate setting.
	d.refreshPipes()

	var slots []*transferSlot
	if !ch.virtual() {
		slots, err = d.allocSlots(ch, frameLength)
		if err != nil {
			d.freeBandwidth(ctx, kind)
			return err
		}
	}

	ch.mu.Lock()
	ch.frameLength = frameLength
	ch.slots = slots
	ch.mu.Unlock()
	ch.flags.Store(0)
	ch.prepared.Store(true)

	d.armWatchdog(ch)
	d.emitState(ch, "prepared")
	return nil
}

// allocSlots builds the channel's slot pool.
func (d *Device) allocSlots(ch *channel, frameLength int) ([]*transferSlot, error) {
	data, err := d.pipe(ch.format.Pipe)
	if err != nil {
		return nil, err
	}
	var sync *hal.PipeInfo
	if ch.format.SyncPipe != hal.NoPipe {
		p, err := d.pipe(ch.format.SyncPipe)
		if err != nil {
			return nil, err
		}
		sync = &p
	}

	slots := make([]*transferSlot, d.cfg.PoolSize)
	for i := range slots {
		switch data.Type {
		case hal.PipeIsochronous:
			s := newIsoSlot(ch.id, i, data, sync, d.cfg.PacketsPerSlot)
			s.data.Complete = func(x *hal.IsoTransfer) { d.isoComplete(s, x) }
			if s.sync != nil {
				s.sync.Complete = func(x *hal.IsoTransfer) { d.isoComplete(s, x) }
			}
			slots[i] = s
		case hal.PipeBulk:
			slots[i] = newBulkSlot(ch.id, i, data, frameLength)
		default:
			return nil, fmt.Errorf("%w: pipe %d is %s", pkg.ErrInvalidPipe, data.Index, data.Type)
		}
	}
	return slots, nil
}

// Start begins capture on a prepared channel and puts every slot in flight.
func (d *Device) Start(ctx context.Context, id ChannelID) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case !ch.prepared.Load():
		return fmt.Errorf("%w: channel %d not prepared", pkg.ErrInvalidState, id)
	case ch.started.Load():
		return fmt.Errorf("channel %d: %w", id, pkg.ErrAlreadyRunning)
	case d.removed.Load():
		return pkg.ErrNoDevice
	}
	if ch.virtual() {
		owner := d.channel(ch.owner)
		if owner == nil || !owner.started.Load() {
			return fmt.Errorf("%w: video channel %d not started", pkg.ErrInvalidState, ch.owner)
		}
	}

	if err := d.control.StartCapture(ctx, ch.format.Stream); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	ch.flags.Store(0)
	ch.capturing.Store(true)
	ch.started.Store(true)

	if !ch.virtual() {
		if err := d.submitSlots(ch); err != nil {
			d.abortStart(ctx, ch)
			return fmt.Errorf("channel %d submit: %w", id, err)
		}
	}

	d.emitState(ch, "started")
	return nil
}

// submitSlots puts every slot of ch in flight.
func (d *Device) submitSlots(ch *channel) error {
	for _, s := range ch.slotList() {
		s.mu.Lock()
		var err error
		if s.kind == slotIso {
			err = d.submitIsoLocked(s)
		} else {
			err = d.startBulkLocked(s)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// abortStart unwinds a failed start. Queued requests are kept.
func (d *Device) abortStart(ctx context.Context, ch *channel) {
	ch.started.Store(false)
	ch.fence()
	if err := d.abortPipes(ch); err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "abort after failed start", "channel", ch.id, "error", err)
	}
	if ch.capturing.Swap(false) {
		if err := d.control.StopCapture(ctx, ch.format.Stream); err != nil {
			pkg.LogWarn(pkg.ComponentChannel, "stop capture after failed start", "channel", ch.id, "error", err)
		}
	}
}

// SubmitRead queues buf to receive the next frame on the channel. It never
// blocks and is safe from interrupt context.
func (d *Device) SubmitRead(id ChannelID, buf []byte) (*FrameRequest, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty read buffer", pkg.ErrInvalidParameter)
	}
	if d.removed.Load() {
		return nil, pkg.ErrNoDevice
	}
	if d.locked() {
		return nil, fmt.Errorf("%w: interface renegotiation in progress", pkg.ErrBusy)
	}
	ch, err := d.lookup(id)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.prepared.Load() {
		return nil, fmt.Errorf("%w: channel %d not prepared", pkg.ErrInvalidState, id)
	}
	r := newFrameRequest(id, buf, ch.frameLength)
	r.kind = ch.format.Stream
	ch.pending = append(ch.pending, r)
	return r, nil
}

// Stop halts capture and blocks until the channel has drained, bounded by
// the stop timeout. Requests outstanding at stop complete as cancelled.
// Stopping a stopped channel succeeds immediately. Stopping a video channel
// first stops the virtual still riding on it.
func (d *Device) Stop(ctx context.Context, id ChannelID) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	return d.stopLocked(ctx, ch)
}

func (d *Device) stopLocked(ctx context.Context, ch *channel) error {
	if !ch.started.Load() {
		return nil
	}

	var result *multierror.Error
	if !ch.virtual() {
		if still := d.channel(ch.stillID()); still != nil {
			if err := d.stopLocked(ctx, still); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	ch.setFlags(flagStopRequested | flagTimeoutWait)
	ch.fence()

	if ch.capturing.Swap(false) {
		if err := d.control.StopCapture(ctx, ch.format.Stream); err != nil && !d.removed.Load() {
			result = multierror.Append(result, fmt.Errorf("stop capture: %w", err))
		}
	}
	if !ch.virtual() {
		if err := d.abortPipes(ch); err != nil && !d.removed.Load() {
			result = multierror.Append(result, err)
		}
	}

	if err := ch.waitFlagsClear(ctx, flagStopRequested, d.cfg.StopTimeout); err != nil {
		ch.cancelRequests()
		ch.clearFlags(flagStopRequested | flagTimeoutWait)
		result = multierror.Append(result, err)
	}
	ch.started.Store(false)

	d.emitState(ch, "stopped")
	return result.ErrorOrNil()
}

// abortPipes aborts the channel's data and sync pipes.
func (d *Device) abortPipes(ch *channel) error {
	var result *multierror.Error
	if err := d.transport.AbortPipe(ch.format.Pipe); err != nil {
		result = multierror.Append(result, fmt.Errorf("abort pipe %d: %w", ch.format.Pipe, err))
	}
	if ch.format.SyncPipe != hal.NoPipe {
		if err := d.transport.AbortPipe(ch.format.SyncPipe); err != nil {
			result = multierror.Append(result, fmt.Errorf("abort pipe %d: %w", ch.format.SyncPipe, err))
		}
	}
	return result.ErrorOrNil()
}

// Unprepare disarms the watchdog, releases bandwidth and slots, and cancels
// requests still queued. The channel must be stopped.
func (d *Device) Unprepare(ctx context.Context, id ChannelID) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	return d.unprepareLocked(ctx, ch)
}

func (d *Device) unprepareLocked(ctx context.Context, ch *channel) error {
	if ch.started.Load() {
		return fmt.Errorf("%w: channel %d is started", pkg.ErrInvalidState, ch.id)
	}
	if !ch.prepared.Load() {
		return nil
	}
	if still := d.channel(ch.stillID()); still != nil && still.prepared.Load() {
		return fmt.Errorf("%w: still channel %d still prepared", pkg.ErrInvalidState, still.id)
	}

	d.disarmWatchdog(ch)

	ch.mu.Lock()
	ch.prepared.Store(false)
	ch.slots = nil
	ch.mu.Unlock()
	ch.cancelRequests()

	var err error
	if e := d.control.FreeBandwidth(ctx, ch.format.Stream); e != nil && !d.removed.Load() {
		err = fmt.Errorf("free bandwidth: %w", e)
	}

	d.emitState(ch, "unprepared")
	return err
}

func (d *Device) freeBandwidth(ctx context.Context, kind StreamKind) {
	if err := d.control.FreeBandwidth(ctx, kind); err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "free bandwidth", "stream", kind, "error", err)
	}
}

// CloseChannel releases a channel, unpreparing it first if needed. A video
// channel cannot close while a virtual still rides on it.
func (d *Device) CloseChannel(ctx context.Context, id ChannelID) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	if ch.started.Load() {
		return fmt.Errorf("%w: channel %d is started", pkg.ErrInvalidState, id)
	}
	if still := ch.stillID(); still != NoChannel {
		return fmt.Errorf("%w: still channel %d rides on channel %d", pkg.ErrInvalidState, still, id)
	}

	var result error
	if err := d.unprepareLocked(ctx, ch); err != nil {
		if errors.Is(err, pkg.ErrInvalidState) {
			return err
		}
		result = err
	}

	d.mu.Lock()
	d.channels[id] = nil
	if ch.virtual() {
		if owner := d.channels[ch.owner]; owner != nil {
			owner.still.Store(int32(NoChannel))
		}
	}
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentChannel, "channel closed", "device", d.id, "channel", id)
	return result
}
