// Package stream implements the continuous capture engine: transfer pumps
// that keep isochronous and bulk requests in flight, the packet reassembler,
// the completed-frame dispatch worker, and the watchdog and reset machinery
// that recover from transport faults.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// lockFlags mark device-wide conditions that reject new requests.
type lockFlags uint32

const (
	lockInterface lockFlags = 1 << iota // Alternate setting renegotiation in progress
)

// Device owns the channels, pipe ledgers and workers of one capture device.
type Device struct {
	id         string
	cfg        Config
	transport  hal.Transport
	control    BandwidthControl
	classifier Classifier
	finalizer  Finalizer

	metrics *Metrics
	bus     *EventBus

	// controlMu serializes control operations. Worker context only.
	controlMu sync.Mutex

	// mu guards the arena, pipe table, ledgers, lock status and external
	// requests. It is a leaf lock.
	mu         sync.Mutex
	channels   []*channel
	pipes      []hal.PipeInfo
	ledgers    map[int]*Ledger
	external   map[int]*transferSlot
	lockStatus lockFlags

	removed atomic.Bool
	closed  atomic.Bool

	pool     *WorkPool
	dispatch *dispatcher
}

// NewDevice creates a device over transport. The capture control's
// capability (legacy or bandwidth-negotiating) is selected here, once.
func NewDevice(transport hal.Transport, capture CaptureControl, classifier Classifier, finalizer Finalizer, cfg Config) (*Device, error) {
	if transport == nil || capture == nil || classifier == nil || finalizer == nil {
		return nil, fmt.Errorf("%w: transport, capture control, classifier and finalizer are required", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		id:         uuid.NewString(),
		cfg:        cfg,
		transport:  transport,
		control:    selectControl(capture),
		classifier: classifier,
		finalizer:  finalizer,
		channels:   make([]*channel, cfg.MaxChannels),
		pipes:      transport.Pipes(),
		ledgers:    make(map[int]*Ledger),
		external:   make(map[int]*transferSlot),
		pool:       NewWorkPool(cfg.Workers, cfg.QueueDepth),
	}
	d.dispatch = newDispatcher(d.finishFrame, d.cancelFrame, func(n int) { d.metrics.queueDepth(d.id, n) })

	if err := d.pool.Start(context.Background()); err != nil {
		return nil, err
	}
	d.dispatch.start()

	pkg.LogInfo(pkg.ComponentDevice, "device created", "device", d.id, "pipes", len(d.pipes))
	return d, nil
}

// ID returns the device identifier used in logs, metrics and events.
func (d *Device) ID() string {
	return d.id
}

// SetMetrics attaches Prometheus collectors. Call before opening channels.
func (d *Device) SetMetrics(m *Metrics) {
	d.metrics = m
}

// SetEventBus attaches an event bus. Call before opening channels.
func (d *Device) SetEventBus(b *EventBus) {
	d.bus = b
}

// Pipes returns the current pipe table.
func (d *Device) Pipes() []hal.PipeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.PipeInfo(nil), d.pipes...)
}

// Removed reports whether the device has been found disconnected.
func (d *Device) Removed() bool {
	return d.removed.Load()
}

// Stats returns a snapshot of a channel's counters.
func (d *Device) Stats(id ChannelID) (Stats, error) {
	ch, err := d.lookup(id)
	if err != nil {
		return Stats{}, err
	}
	return ch.stats(), nil
}

// NotifyRemoved reports a hot-unplug. Safe from any context.
func (d *Device) NotifyRemoved() {
	d.markRemoved(InterruptContext)
}

// SetInterface renegotiates an alternate setting. No channel may be
// started. Outstanding external requests are cancelled, retained, and
// resubmitted unchanged once the new setting is active; new requests are
// rejected as busy in the meantime.
func (d *Device) SetInterface(ctx context.Context, iface, alt uint8) error {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	if d.removed.Load() {
		return pkg.ErrNoDevice
	}
	for _, ch := range d.channelList() {
		if ch.started.Load() {
			return fmt.Errorf("%w: channel %d is started", pkg.ErrInvalidState, ch.id)
		}
	}

	d.setLock(lockInterface)
	defer d.clearLock(lockInterface)

	var result *multierror.Error
	for pipe, l := range d.ledgerList() {
		if l.CancelAll() > 0 {
			if err := d.transport.AbortPipe(pipe); err != nil {
				result = multierror.Append(result, fmt.Errorf("abort pipe %d: %w", pipe, err))
			}
		}
	}
	if err := d.waitLedgersIdle(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := d.transport.SetInterface(ctx, iface, alt); err != nil {
		result = multierror.Append(result, fmt.Errorf("set interface %d alt %d: %w", iface, alt, err))
	} else {
		d.refreshPipes()
	}

	for _, l := range d.ledgerList() {
		for _, s := range l.TakeRestore() {
			if err := d.restartExternal(s); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	pkg.LogInfo(pkg.ComponentDevice, "interface selected", "device", d.id, "iface", iface, "alt", alt)
	return result.ErrorOrNil()
}

// Close stops and closes every channel, cancels external requests, and
// shuts down the workers. The transport is left open.
func (d *Device) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	for _, ch := range d.channelList() {
		if ch.virtual() {
			if err := d.Stop(ctx, ch.id); err != nil {
				result = multierror.Append(result, err)
			}
			if err := d.CloseChannel(ctx, ch.id); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for _, ch := range d.channelList() {
		if err := d.Stop(ctx, ch.id); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.CloseChannel(ctx, ch.id); err != nil {
			result = multierror.Append(result, err)
		}
	}

	d.mu.Lock()
	pipes := make([]int, 0, len(d.external))
	for pipe := range d.external {
		pipes = append(pipes, pipe)
	}
	d.mu.Unlock()
	for _, pipe := range pipes {
		if err := d.CancelTransfer(ctx, WorkerContext, pipe); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := d.pool.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	d.dispatch.shutdown()

	pkg.LogInfo(pkg.ComponentDevice, "device closed", "device", d.id)
	return result.ErrorOrNil()
}

// =============================================================================
// Arena and Tables
// =============================================================================

func (d *Device) lookup(id ChannelID) (*channel, error) {
	if ch := d.channel(id); ch != nil {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: unknown channel %d", pkg.ErrInvalidParameter, id)
}

// channel resolves an arena index. Safe from interrupt context.
func (d *Device) channel(id ChannelID) *channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id < 0 || int(id) >= len(d.channels) {
		return nil
	}
	return d.channels[id]
}

func (d *Device) channelList() []*channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]*channel, 0, len(d.channels))
	for _, ch := range d.channels {
		if ch != nil {
			list = append(list, ch)
		}
	}
	return list
}

func (d *Device) pipe(index int) (hal.PipeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.pipes) {
		return hal.PipeInfo{}, fmt.Errorf("%w: index %d", pkg.ErrInvalidPipe, index)
	}
	return d.pipes[index], nil
}

func (d *Device) refreshPipes() {
	pipes := d.transport.Pipes()
	d.mu.Lock()
	d.pipes = pipes
	d.mu.Unlock()
}

// ledger returns the pipe's ledger, creating it on first use.
func (d *Device) ledger(pipe int) *Ledger {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.ledgers[pipe]
	if !ok {
		l = NewLedger(pipe)
		d.ledgers[pipe] = l
	}
	return l
}

func (d *Device) ledgerList() map[int]*Ledger {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := make(map[int]*Ledger, len(d.ledgers))
	for pipe, l := range d.ledgers {
		m[pipe] = l
	}
	return m
}

func (d *Device) setLock(f lockFlags) {
	d.mu.Lock()
	d.lockStatus |= f
	d.mu.Unlock()
}

func (d *Device) clearLock(f lockFlags) {
	d.mu.Lock()
	d.lockStatus &^= f
	d.mu.Unlock()
}

func (d *Device) locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockStatus != 0
}

// =============================================================================
// Removal and Events
// =============================================================================

// markRemoved latches device removal and aborts every outstanding pipe so
// the watchdogs can drain the channels.
func (d *Device) markRemoved(ec ExecContext) {
	if !d.removed.CompareAndSwap(false, true) {
		return
	}
	pkg.LogWarn(pkg.ComponentDevice, "device removed", "device", d.id)

	for pipe, l := range d.ledgerList() {
		if l.Outstanding() {
			if err := d.transport.AbortPipe(pipe); err != nil {
				pkg.LogDebug(pkg.ComponentDevice, "abort after removal", "pipe", pipe, "error", err)
			}
		}
	}
	d.emit(ec, DeviceRemovedEvent{Device: d.id})
}

// emit publishes an event from worker context, deferring to the pool when
// called from interrupt context.
func (d *Device) emit(ec ExecContext, ev Event) {
	if d.bus == nil {
		return
	}
	if ec.CanBlock() {
		d.bus.Publish(ev)
		return
	}
	ok := d.pool.TrySubmit(func(context.Context) { d.bus.Publish(ev) })
	d.metrics.job(d.id, ok)
}

func (d *Device) emitState(ch *channel, state string) {
	pkg.LogInfo(pkg.ComponentChannel, "channel "+state, "device", d.id, "channel", ch.id, "stream", ch.format.Stream)
	d.emit(WorkerContext, ChannelStateEvent{
		Device:  d.id,
		Channel: ch.id,
		Stream:  ch.format.Stream,
		State:   state,
	})
}
