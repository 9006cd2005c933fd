package stream

import "context"

// PacketFlags annotate a classified packet.
type PacketFlags uint8

// Packet flags.
const (
	PacketDrop       PacketFlags = 1 << iota // Discard the in-flight frame at completion
	PacketVideo                              // Packet belongs to the video stream
	PacketStill                              // Packet belongs to the still stream
	PacketEndOfFrame                         // Packet closes the in-flight frame
	PacketError                              // Device flagged the frame as errored
)

// FrameInfo is the in-flight frame context handed to the classifier.
type FrameInfo struct {
	Stream  StreamKind // Kind of the pipe owner
	Active  bool       // A frame request is in flight
	Bytes   int        // Bytes accumulated so far
	Packets int        // Packets accumulated so far

	// State is owned by the classifier and persists across frames of the
	// same pipe (for example the last frame-toggle bit seen).
	State uint64
}

// PacketResult is the classifier's verdict on one packet.
type PacketResult struct {
	Payload  []byte // Frame bytes carried by the packet, header stripped
	NewFrame bool   // Packet starts a new frame
	Flags    PacketFlags
}

// Classifier recognizes frame boundaries in a per-format packet stream.
//
// ProcessPacket runs in interrupt context and must not block. sync is the
// companion sync-pipe packet when the format has one, else nil.
type Classifier interface {
	ProcessPacket(sync, data []byte, inFlight *FrameInfo) PacketResult
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(sync, data []byte, inFlight *FrameInfo) PacketResult

// ProcessPacket calls f.
func (f ClassifierFunc) ProcessPacket(sync, data []byte, inFlight *FrameInfo) PacketResult {
	return f(sync, data, inFlight)
}

// Finalizer turns a raw frame into the client's output. It runs only in
// worker context and may block.
type Finalizer interface {
	Finalize(ctx context.Context, raw, dest []byte, packets int) (int, error)
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, raw, dest []byte, packets int) (int, error)

// Finalize calls f.
func (f FinalizerFunc) Finalize(ctx context.Context, raw, dest []byte, packets int) (int, error) {
	return f(ctx, raw, dest, packets)
}
