package uvc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/stream"
)

// ControlOptions configures stream negotiation.
type ControlOptions struct {
	Video Probe      // requested video parameters
	Still StillProbe // requested still parameters (method 2)

	// ProbeLength is the probe block size the device expects:
	// ProbeLength10 (default) or ProbeLength11.
	ProbeLength int
}

// Control implements stream.BandwidthControl for a video streaming
// interface. Bandwidth is negotiated with probe/commit and reserved by
// selecting the format's alternate setting.
type Control struct {
	transport hal.Transport
	opts      ControlOptions

	mu        sync.Mutex
	committed Probe
	still     StillProbe
	iface     uint8
	alt       uint8 // selected streaming alternate setting, 0 when idle
	pipe      int
	bulk      bool
}

var _ stream.BandwidthControl = (*Control)(nil)

// NewControl creates a streaming control bound to a transport.
func NewControl(transport hal.Transport, opts ControlOptions) *Control {
	if opts.ProbeLength != ProbeLength11 {
		opts.ProbeLength = ProbeLength10
	}
	return &Control{transport: transport, opts: opts, pipe: hal.NoPipe}
}

// Committed returns the last committed video probe.
func (c *Control) Committed() Probe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// CommittedStill returns the last committed still probe.
func (c *Control) CommittedStill() StillProbe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.still
}

func (c *Control) request(ctx context.Context, iface uint8, req, selector uint8, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeClassInterfaceOut,
		Request:     req,
		Value:       uint16(selector) << 8,
		Index:       uint16(iface),
		Length:      uint16(len(data)),
	}
	if req&0x80 != 0 {
		setup.RequestType = RequestTypeClassInterfaceIn
	}
	return c.transport.Control(ctx, &setup, data)
}

func (c *Control) setCur(ctx context.Context, iface, selector uint8, data []byte) error {
	_, err := c.request(ctx, iface, RequestSetCur, selector, data)
	return err
}

func (c *Control) getCur(ctx context.Context, iface, selector uint8, data []byte) (int, error) {
	return c.request(ctx, iface, RequestGetCur, selector, data)
}

// negotiate runs SET_CUR(probe), GET_CUR(probe), SET_CUR(commit) and returns
// the parameters the device settled on.
func (c *Control) negotiate(ctx context.Context, iface uint8) (Probe, error) {
	buf := make([]byte, c.opts.ProbeLength)
	c.opts.Video.MarshalTo(buf)

	if err := c.setCur(ctx, iface, VSProbeControl, buf); err != nil {
		return Probe{}, fmt.Errorf("set probe: %w", err)
	}
	n, err := c.getCur(ctx, iface, VSProbeControl, buf)
	if err != nil {
		return Probe{}, fmt.Errorf("get probe: %w", err)
	}
	var p Probe
	if !ParseProbe(buf[:n], &p) {
		return Probe{}, fmt.Errorf("%w: probe block of %d bytes", pkg.ErrProtocol, n)
	}
	if err := c.setCur(ctx, iface, VSCommitControl, buf); err != nil {
		return Probe{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (c *Control) negotiateStill(ctx context.Context, iface uint8) (StillProbe, error) {
	var buf [StillLength]byte
	c.opts.Still.MarshalTo(buf[:])

	if err := c.setCur(ctx, iface, VSStillProbeControl, buf[:]); err != nil {
		return StillProbe{}, fmt.Errorf("set still probe: %w", err)
	}
	n, err := c.getCur(ctx, iface, VSStillProbeControl, buf[:])
	if err != nil {
		return StillProbe{}, fmt.Errorf("get still probe: %w", err)
	}
	var p StillProbe
	if !ParseStillProbe(buf[:n], &p) {
		return StillProbe{}, fmt.Errorf("%w: still probe block of %d bytes", pkg.ErrProtocol, n)
	}
	if err := c.setCur(ctx, iface, VSStillCommitControl, buf[:]); err != nil {
		return StillProbe{}, fmt.Errorf("still commit: %w", err)
	}
	return p, nil
}

// AllocateBandwidth negotiates the stream and, for isochronous formats,
// selects the streaming alternate setting. It returns the device's maximum
// frame size, or the format's when the device reports none.
func (c *Control) AllocateBandwidth(ctx context.Context, kind stream.StreamKind, format stream.Format) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size uint32
	switch kind {
	case stream.StreamVideo:
		p, err := c.negotiate(ctx, format.Interface)
		if err != nil {
			return 0, err
		}
		if format.AltSetting != 0 {
			if err := c.transport.SetInterface(ctx, format.Interface, format.AltSetting); err != nil {
				return 0, fmt.Errorf("select alternate setting %d: %w", format.AltSetting, err)
			}
		}
		c.committed, c.iface, c.alt = p, format.Interface, format.AltSetting
		c.pipe, c.bulk = format.Pipe, format.AltSetting == 0
		size = p.MaxVideoFrameSize
		if c.bulk && size > 0 {
			// Bulk payloads carry their header in the slot buffer.
			size = max(size+HeaderMaxLength, p.MaxPayloadTransferSize)
		}

		pkg.LogInfo(pkg.ComponentDevice, "video stream committed",
			"format", p.FormatIndex, "frame", p.FrameIndex, "interval", p.FrameInterval,
			"max_frame", p.MaxVideoFrameSize, "max_payload", p.MaxPayloadTransferSize)

	case stream.StreamStill:
		p, err := c.negotiateStill(ctx, format.Interface)
		if err != nil {
			return 0, err
		}
		c.still = p
		size = p.MaxVideoFrameSize

	default:
		return 0, fmt.Errorf("%w: stream %s", pkg.ErrNotSupported, kind)
	}

	if size == 0 {
		return format.FrameLength, nil
	}
	return int(size), nil
}

// FreeBandwidth returns the streaming interface to the zero-bandwidth
// setting once the video stream is released.
func (c *Control) FreeBandwidth(ctx context.Context, kind stream.StreamKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind != stream.StreamVideo || c.alt == 0 {
		return nil
	}
	if err := c.transport.SetInterface(ctx, c.iface, 0); err != nil {
		return fmt.Errorf("select zero-bandwidth setting: %w", err)
	}
	c.alt = 0
	return nil
}

// StartCapture re-commits the negotiated video parameters, or triggers a
// still image transmission.
func (c *Control) StartCapture(ctx context.Context, kind stream.StreamKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case stream.StreamVideo:
		buf := make([]byte, c.opts.ProbeLength)
		c.committed.MarshalTo(buf)
		if err := c.setCur(ctx, c.iface, VSCommitControl, buf); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	case stream.StreamStill:
		return c.trigger(ctx, StillTriggerTransmit)
	}
	return fmt.Errorf("%w: stream %s", pkg.ErrNotSupported, kind)
}

// StopCapture ends a still transmission. A bulk video stream is stopped by
// clearing the halt on its data endpoint; isochronous streams stop when
// their bandwidth is freed.
func (c *Control) StopCapture(ctx context.Context, kind stream.StreamKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case stream.StreamVideo:
		if c.bulk && c.pipe != hal.NoPipe {
			return c.transport.ResetPipe(ctx, c.pipe)
		}
		return nil
	case stream.StreamStill:
		return c.trigger(ctx, StillTriggerNormal)
	}
	return fmt.Errorf("%w: stream %s", pkg.ErrNotSupported, kind)
}

func (c *Control) trigger(ctx context.Context, value uint8) error {
	if err := c.setCur(ctx, c.iface, VSStillImageTriggerControl, []byte{value}); err != nil {
		return fmt.Errorf("still trigger %d: %w", value, err)
	}
	return nil
}
