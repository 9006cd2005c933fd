// Package hal defines the lower-transport contract the streaming engine
// drives: typed pipes, isochronous and bulk transfer descriptors with
// asynchronous completion, synchronous control requests, and the pipe
// recovery primitives used by the reset coordinator.
package hal

import (
	"context"

	"github.com/ardnew/usbcap/pkg"
)

// PipeType indicates the transfer type of a pipe.
type PipeType uint8

// Pipe type constants (bmAttributes transfer type encoding).
const (
	PipeControl     PipeType = 0
	PipeIsochronous PipeType = 1
	PipeBulk        PipeType = 2
	PipeInterrupt   PipeType = 3
)

// String returns a human-readable pipe type name.
func (t PipeType) String() string {
	switch t {
	case PipeControl:
		return "control"
	case PipeIsochronous:
		return "isochronous"
	case PipeBulk:
		return "bulk"
	case PipeInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// NoPipe marks an absent pipe index, such as a format without a sync pipe.
const NoPipe = -1

// PipeInfo describes one unidirectional transport path.
type PipeInfo struct {
	Index           int      // Index into the transport's pipe table
	Endpoint        uint8    // Endpoint address including direction bit
	Type            PipeType // Transfer type
	MaxPacketSize   int      // wMaxPacketSize (per-microframe payload)
	MaxTransferSize int      // Largest single transfer the transport accepts
	Interval        uint8    // Polling interval for interrupt/isochronous
}

// IsIn returns true if this is an IN pipe (device to host).
func (p PipeInfo) IsIn() bool {
	return p.Endpoint&0x80 != 0
}

// IsoPacket describes one packet of an isochronous transfer.
type IsoPacket struct {
	Offset       int                // Offset of the packet in the transfer buffer
	Length       int                // Requested length
	ActualLength int                // Bytes actually received
	Status       pkg.TransferStatus // Per-packet status
}

// IsoTransfer is an isochronous transfer descriptor.
//
// Complete is invoked exactly once, in interrupt context, after the
// transport has filled in Status and the per-packet results.
type IsoTransfer struct {
	Pipe       int
	Buffer     []byte
	Packets    []IsoPacket
	ASAP       bool   // Start at the next available frame
	StartFrame uint32 // Explicit start frame when ASAP is false
	Status     pkg.TransferStatus
	Complete   func(*IsoTransfer)
}

// Reset clears the results of a previous completion so the descriptor can
// be resubmitted.
func (t *IsoTransfer) Reset() {
	t.Status = pkg.TransferStatusSuccess
	for i := range t.Packets {
		t.Packets[i].ActualLength = 0
		t.Packets[i].Status = pkg.TransferStatusSuccess
	}
}

// ActualLength returns the total number of bytes received across packets.
func (t *IsoTransfer) ActualLength() int {
	n := 0
	for i := range t.Packets {
		n += t.Packets[i].ActualLength
	}
	return n
}

// PacketData returns the received bytes of packet i.
func (t *IsoTransfer) PacketData(i int) []byte {
	p := &t.Packets[i]
	return t.Buffer[p.Offset : p.Offset+p.ActualLength]
}

// BulkTransfer is a bulk or interrupt transfer descriptor.
//
// Complete is invoked exactly once, in interrupt context.
type BulkTransfer struct {
	Pipe     int
	Buffer   []byte
	Actual   int
	Status   pkg.TransferStatus
	Complete func(*BulkTransfer)
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics (direction, type, recipient)
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// Standard request codes and selectors used by the transports.
const (
	RequestGetStatus    = 0x00
	RequestClearFeature = 0x01
	RequestSetInterface = 0x0B

	FeatureEndpointHalt = 0x00

	RequestTypeStandardEndpointOut = 0x02
	RequestTypeStandardDeviceIn    = 0x80
)

// ClearHaltSetup returns the CLEAR_FEATURE(ENDPOINT_HALT) request for an
// endpoint.
func ClearHaltSetup(endpoint uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeStandardEndpointOut,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
}

// Transport is the lower transport the streaming engine submits to.
//
// Submit methods never block and never invoke Complete synchronously.
// Completion callbacks run in interrupt context: they must not block and
// may run concurrently for different pipes.
type Transport interface {
	// Pipes returns the pipe table of the active interface setting.
	Pipes() []PipeInfo

	// SubmitIso queues an isochronous transfer.
	SubmitIso(t *IsoTransfer) error

	// SubmitBulk queues a bulk or interrupt transfer.
	SubmitBulk(t *BulkTransfer) error

	// Control performs a synchronous control request on the default pipe.
	Control(ctx context.Context, setup *SetupPacket, data []byte) (int, error)

	// AbortPipe forces every in-flight transfer on the pipe to complete
	// promptly with TransferStatusCancelled.
	AbortPipe(pipe int) error

	// ResetPipe clears a halted endpoint. In-flight transfers must have
	// drained before it is called.
	ResetPipe(ctx context.Context, pipe int) error

	// PortConnected reports whether the device is still attached.
	PortConnected(ctx context.Context) bool

	// SetInterface selects an alternate setting. The pipe table may change.
	SetInterface(ctx context.Context, iface, alt uint8) error

	// Close releases the transport.
	Close() error
}
