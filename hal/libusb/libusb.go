// Package libusb implements hal.Transport on top of libusb through
// github.com/google/gousb.
//
// gousb exposes blocking reads only, so each pipe gets a lane: a FIFO of
// submitted transfers serviced by one goroutine. Completions on a pipe
// therefore arrive in submission order, and lanes of different pipes run
// concurrently, which is the ordering a host controller gives.
package libusb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// DefaultMaxTransferSize bounds a single bulk read. libusb itself has no
// hard limit; usbfs splits large requests internally.
const DefaultMaxTransferSize = 16 * 1024

// Options selects the device and interface setting to open.
type Options struct {
	VID, PID  gousb.ID
	Config    int // 0 selects the active configuration
	Interface int
	Alternate int

	MaxTransferSize int           // 0 selects DefaultMaxTransferSize
	ControlTimeout  time.Duration // 0 keeps the gousb default
}

// Transport is a gousb-backed hal.Transport.
type Transport struct {
	opts  Options
	dev   *gousb.Device
	cfg   *gousb.Config
	root  context.Context
	close context.CancelFunc

	// switchMu serializes SetInterface and Close.
	switchMu sync.Mutex

	mu     sync.Mutex
	intf   *gousb.Interface
	alt    int
	pipes  []hal.PipeInfo
	lanes  []*lane
	closed bool
	wg     sync.WaitGroup
}

// Open opens the first device matching opts.VID and opts.PID and claims the
// requested interface setting. The caller keeps ownership of ctx.
func Open(ctx *gousb.Context, opts Options) (*Transport, error) {
	if opts.MaxTransferSize <= 0 {
		opts.MaxTransferSize = DefaultMaxTransferSize
	}

	dev, err := ctx.OpenDeviceWithVIDPID(opts.VID, opts.PID)
	if err != nil {
		return nil, fmt.Errorf("open %s:%s: %w", opts.VID, opts.PID, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("open %s:%s: %w", opts.VID, opts.PID, pkg.ErrNoDevice)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	if opts.ControlTimeout > 0 {
		dev.ControlTimeout = opts.ControlTimeout
	}

	num := opts.Config
	if num == 0 {
		if num, err = dev.ActiveConfigNum(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("active config: %w", err)
		}
	}
	cfg, err := dev.Config(num)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("config %d: %w", num, err)
	}

	t := &Transport{opts: opts, dev: dev, cfg: cfg}
	t.root, t.close = context.WithCancel(context.Background())

	if err := t.claim(opts.Alternate); err != nil {
		t.close()
		var merr *multierror.Error
		merr = multierror.Append(merr, err, cfg.Close(), dev.Close())
		return nil, merr.ErrorOrNil()
	}

	pkg.LogInfo(pkg.ComponentTransport, "device opened",
		"vid", opts.VID, "pid", opts.PID, "config", num,
		"interface", opts.Interface, "alt", opts.Alternate, "pipes", len(t.pipes))
	return t, nil
}

// claim claims the interface with the given alternate setting and starts a
// lane per endpoint.
func (t *Transport) claim(alt int) error {
	intf, err := t.cfg.Interface(t.opts.Interface, alt)
	if err != nil {
		return fmt.Errorf("interface %d alt %d: %w", t.opts.Interface, alt, err)
	}

	pipes := pipeTable(intf.Setting.Endpoints, t.opts.MaxTransferSize)
	lanes := make([]*lane, len(pipes))
	for i, p := range pipes {
		l, err := t.openLane(intf, p)
		if err != nil {
			intf.Close()
			return err
		}
		lanes[i] = l
	}

	t.mu.Lock()
	t.intf, t.alt, t.pipes, t.lanes = intf, alt, pipes, lanes
	t.mu.Unlock()
	for _, l := range lanes {
		t.wg.Add(1)
		go l.run(&t.wg)
	}
	return nil
}

// detach removes the lanes from the pipe table, stops them and waits for
// their completions, then releases the claimed interface. t.mu must not be
// held: completion callbacks may resubmit.
func (t *Transport) detach() {
	t.mu.Lock()
	lanes := t.lanes
	t.lanes = nil
	t.mu.Unlock()

	for _, l := range lanes {
		l.shutdown()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
}

// pipeTable converts endpoint descriptors into a pipe table ordered by
// endpoint address. Control endpoints are skipped.
func pipeTable(eps map[gousb.EndpointAddress]gousb.EndpointDesc, maxTransfer int) []hal.PipeInfo {
	descs := make([]gousb.EndpointDesc, 0, len(eps))
	for _, ep := range eps {
		if ep.TransferType == gousb.TransferTypeControl {
			continue
		}
		descs = append(descs, ep)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Address < descs[j].Address })

	pipes := make([]hal.PipeInfo, len(descs))
	for i, ep := range descs {
		p := hal.PipeInfo{
			Index:         i,
			Endpoint:      uint8(ep.Address),
			Type:          pipeType(ep.TransferType),
			MaxPacketSize: ep.MaxPacketSize,
			Interval:      pollInterval(ep.PollInterval),
		}
		switch p.Type {
		case hal.PipeBulk:
			p.MaxTransferSize = max(maxTransfer, ep.MaxPacketSize)
		default:
			p.MaxTransferSize = ep.MaxPacketSize
		}
		pipes[i] = p
	}
	return pipes
}

func pipeType(tt gousb.TransferType) hal.PipeType {
	switch tt {
	case gousb.TransferTypeIsochronous:
		return hal.PipeIsochronous
	case gousb.TransferTypeBulk:
		return hal.PipeBulk
	case gousb.TransferTypeInterrupt:
		return hal.PipeInterrupt
	default:
		return hal.PipeControl
	}
}

// pollInterval reports the polling interval in milliseconds, clamped to
// the range of a descriptor byte.
func pollInterval(d time.Duration) uint8 {
	ms := d / time.Millisecond
	switch {
	case d <= 0:
		return 0
	case ms < 1:
		return 1
	case ms > 255:
		return 255
	}
	return uint8(ms)
}

// statusOf maps a gousb read/write error onto a transfer status.
func statusOf(err error) pkg.TransferStatus {
	if err == nil {
		return pkg.TransferStatusSuccess
	}
	if errors.Is(err, context.Canceled) {
		return pkg.TransferStatusCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkg.TransferStatusTimeout
	}

	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return pkg.TransferStatusSuccess
		case gousb.TransferCancelled:
			return pkg.TransferStatusCancelled
		case gousb.TransferStall:
			return pkg.TransferStatusStall
		case gousb.TransferTimedOut:
			return pkg.TransferStatusTimeout
		case gousb.TransferNoDevice:
			return pkg.TransferStatusNoDevice
		case gousb.TransferOverflow:
			return pkg.TransferStatusOverrun
		default:
			return pkg.TransferStatusError
		}
	}

	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorNoDevice:
			return pkg.TransferStatusNoDevice
		case gousb.ErrorTimeout:
			return pkg.TransferStatusTimeout
		case gousb.ErrorPipe:
			return pkg.TransferStatusStall
		case gousb.ErrorOverflow:
			return pkg.TransferStatusOverrun
		case gousb.ErrorInterrupted:
			return pkg.TransferStatusCancelled
		}
	}
	return pkg.TransferStatusError
}

// mapError converts a gousb control error into the engine's sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if s := statusOf(err); s != pkg.TransferStatusError {
		return fmt.Errorf("%w: %v", s.Error(), err)
	}
	return fmt.Errorf("%w: %v", pkg.ErrProtocol, err)
}

// Pipes returns the pipe table of the claimed interface setting.
func (t *Transport) Pipes() []hal.PipeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pipes
}

// Alternate returns the claimed alternate setting.
func (t *Transport) Alternate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alt
}

func (t *Transport) pipeLane(pipe int, types ...hal.PipeType) (*lane, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pkg.ErrNotRunning
	}
	if t.lanes == nil {
		return nil, fmt.Errorf("%w: alternate setting change in progress", pkg.ErrBusy)
	}
	if pipe < 0 || pipe >= len(t.lanes) {
		return nil, fmt.Errorf("%w: index %d", pkg.ErrInvalidPipe, pipe)
	}
	l := t.lanes[pipe]
	if len(types) == 0 {
		return l, nil
	}
	for _, typ := range types {
		if l.info.Type == typ {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: pipe %d is %s", pkg.ErrInvalidPipe, pipe, l.info.Type)
}

// SubmitIso queues an isochronous transfer. Packets are read one at a time
// so each keeps its own boundary.
func (t *Transport) SubmitIso(x *hal.IsoTransfer) error {
	l, err := t.pipeLane(x.Pipe, hal.PipeIsochronous)
	if err != nil {
		return err
	}
	return l.push(isoJob(x))
}

// SubmitBulk queues a bulk or interrupt transfer.
func (t *Transport) SubmitBulk(x *hal.BulkTransfer) error {
	l, err := t.pipeLane(x.Pipe, hal.PipeBulk, hal.PipeInterrupt)
	if err != nil {
		return err
	}
	return l.push(bulkJob(x))
}

// Control performs a control request on the default pipe. gousb control
// transfers are not cancellable, so ctx is only checked up front.
func (t *Transport) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := min(int(setup.Length), len(data))
	got, err := t.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data[:n])
	return got, mapError(err)
}

// AbortPipe cancels the in-flight read of a pipe and every transfer queued
// behind it.
func (t *Transport) AbortPipe(pipe int) error {
	l, err := t.pipeLane(pipe)
	if err != nil {
		return err
	}
	l.abort()
	pkg.LogDebug(pkg.ComponentTransport, "pipe aborted", "pipe", pipe)
	return nil
}

// ResetPipe clears a halted endpoint with CLEAR_FEATURE(ENDPOINT_HALT).
func (t *Transport) ResetPipe(ctx context.Context, pipe int) error {
	l, err := t.pipeLane(pipe)
	if err != nil {
		return err
	}
	setup := hal.ClearHaltSetup(l.info.Endpoint)
	if _, err := t.Control(ctx, &setup, nil); err != nil {
		return fmt.Errorf("clear halt %#02x: %w", l.info.Endpoint, err)
	}
	return nil
}

// PortConnected probes the device with GET_STATUS.
func (t *Transport) PortConnected(ctx context.Context) bool {
	setup := hal.SetupPacket{
		RequestType: hal.RequestTypeStandardDeviceIn,
		Request:     hal.RequestGetStatus,
		Length:      2,
	}
	var status [2]byte
	_, err := t.Control(ctx, &setup, status[:])
	return !errors.Is(err, pkg.ErrNoDevice)
}

// SetInterface re-claims the interface with another alternate setting and
// rebuilds the pipe table. Only the interface given to Open can be
// switched, and every transfer should have drained first; any that have
// not complete as cancelled.
func (t *Transport) SetInterface(ctx context.Context, iface, alt uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.switchMu.Lock()
	defer t.switchMu.Unlock()

	t.mu.Lock()
	closed, prev := t.closed, t.alt
	t.mu.Unlock()

	if closed {
		return pkg.ErrNotRunning
	}
	if int(iface) != t.opts.Interface {
		return fmt.Errorf("%w: interface %d is not claimed", pkg.ErrInvalidParameter, iface)
	}

	t.detach()
	if err := t.claim(int(alt)); err != nil {
		if rerr := t.claim(prev); rerr != nil {
			return multierror.Append(err, rerr)
		}
		return err
	}
	pkg.LogDebug(pkg.ComponentTransport, "alternate setting selected",
		"interface", iface, "alt", alt)
	return nil
}

// Close completes every outstanding transfer as cancelled and releases the
// interface, configuration and device.
func (t *Transport) Close() error {
	t.switchMu.Lock()
	defer t.switchMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.close()
	t.detach()

	var result *multierror.Error
	if err := t.cfg.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close config: %w", err))
	}
	if err := t.dev.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close device: %w", err))
	}
	return result.ErrorOrNil()
}
