package stream

import (
	"context"
	"fmt"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// StreamKind distinguishes the logical capture streams.
type StreamKind uint8

// Stream kinds.
const (
	StreamVideo StreamKind = iota
	StreamStill
)

// String returns the stream kind name.
func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamStill:
		return "still"
	default:
		return "unknown"
	}
}

// Format describes the stream a channel is opened for.
type Format struct {
	Stream StreamKind

	// Pipe is the data pipe index; SyncPipe is an optional isochronous
	// companion pipe (hal.NoPipe when absent).
	Pipe     int
	SyncPipe int

	// FrameLength is the raw frame capacity. Bandwidth-capable hardware may
	// negotiate a different value at prepare.
	FrameLength int

	// Virtual marks a still channel that shares the video channel's pipe
	// and transfer slots instead of owning its own.
	Virtual bool

	// Interface and AltSetting select the streaming alternate setting for
	// hardware that negotiates bandwidth through interface selection.
	Interface  uint8
	AltSetting uint8
}

// CaptureControl is the legacy hardware capture contract.
type CaptureControl interface {
	StartCapture(ctx context.Context, stream StreamKind) error
	StopCapture(ctx context.Context, stream StreamKind) error
}

// BandwidthControl extends CaptureControl with bandwidth negotiation.
type BandwidthControl interface {
	CaptureControl

	// AllocateBandwidth reserves bus bandwidth for the stream and returns
	// the raw frame length to use.
	AllocateBandwidth(ctx context.Context, stream StreamKind, format Format) (int, error)
	FreeBandwidth(ctx context.Context, stream StreamKind) error
}

// legacyControl adapts a CaptureControl to BandwidthControl: the frame
// length is the one the format declares and there is nothing to release.
type legacyControl struct {
	CaptureControl
}

func (legacyControl) AllocateBandwidth(_ context.Context, _ StreamKind, format Format) (int, error) {
	return format.FrameLength, nil
}

func (legacyControl) FreeBandwidth(context.Context, StreamKind) error {
	return nil
}

// selectControl picks the capability variant once.
func selectControl(c CaptureControl) BandwidthControl {
	if bc, ok := c.(BandwidthControl); ok {
		return bc
	}
	return legacyControl{c}
}

// validateFormat checks a format against the transport's pipe table.
func validateFormat(format Format, pipes []hal.PipeInfo) error {
	if format.Stream != StreamVideo && format.Stream != StreamStill {
		return fmt.Errorf("%w: stream kind %d", pkg.ErrInvalidParameter, format.Stream)
	}
	if format.Virtual && format.Stream != StreamStill {
		return fmt.Errorf("%w: only still channels can be virtual", pkg.ErrInvalidParameter)
	}
	if format.Pipe < 0 || format.Pipe >= len(pipes) {
		return fmt.Errorf("%w: data pipe %d", pkg.ErrInvalidPipe, format.Pipe)
	}
	data := pipes[format.Pipe]
	if !data.IsIn() {
		return fmt.Errorf("%w: data pipe %d is not IN", pkg.ErrInvalidPipe, format.Pipe)
	}
	switch data.Type {
	case hal.PipeIsochronous, hal.PipeBulk:
	default:
		return fmt.Errorf("%w: data pipe %d is %s", pkg.ErrInvalidPipe, format.Pipe, data.Type)
	}
	if data.MaxPacketSize <= 0 {
		return fmt.Errorf("%w: data pipe %d has no bandwidth", pkg.ErrInvalidPipe, format.Pipe)
	}
	if format.SyncPipe != hal.NoPipe {
		if format.SyncPipe < 0 || format.SyncPipe >= len(pipes) || format.SyncPipe == format.Pipe {
			return fmt.Errorf("%w: sync pipe %d", pkg.ErrInvalidPipe, format.SyncPipe)
		}
		if data.Type != hal.PipeIsochronous || pipes[format.SyncPipe].Type != hal.PipeIsochronous {
			return fmt.Errorf("%w: sync pipe requires isochronous data", pkg.ErrInvalidPipe)
		}
	}
	if format.FrameLength < 0 {
		return fmt.Errorf("%w: frame length %d", pkg.ErrInvalidParameter, format.FrameLength)
	}
	return nil
}
