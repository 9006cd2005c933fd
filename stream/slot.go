package stream

import (
	"sync"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// bufferKind tags where a bulk chunk lands.
type bufferKind uint8

const (
	bufferDirect  bufferKind = iota // Chunk lands in the destination
	bufferScratch                   // Chunk lands in a packet-sized scratch buffer
)

// bufferRef is the buffer a bulk chunk is submitted with.
type bufferRef struct {
	kind    bufferKind
	backing []byte
}

func directRef(b []byte) bufferRef  { return bufferRef{kind: bufferDirect, backing: b} }
func scratchRef(b []byte) bufferRef { return bufferRef{kind: bufferScratch, backing: b} }

// copyBack moves n received bytes into dst, the destination window of the
// chunk, and returns the bytes that landed there.
func (r bufferRef) copyBack(dst []byte, n int) int {
	n = min(n, len(r.backing))
	if r.kind == bufferDirect {
		return min(n, len(dst))
	}
	return copy(dst, r.backing[:n])
}

// slotKind distinguishes the pump driving a slot.
type slotKind uint8

const (
	slotIso      slotKind = iota // Streaming isochronous slot
	slotBulk                     // Streaming bulk slot
	slotExternal                 // One-shot bulk/interrupt request
)

// transferSlot is one reusable transfer context. Streaming slots are
// owned by their channel's slot table; external slots live only while the
// request is outstanding.
type transferSlot struct {
	kind     slotKind
	index    int
	channel  ChannelID
	pipe     int
	syncPipe int

	mu        sync.Mutex
	pending   int  // Halves in flight
	issued    int  // Halves issued by the last submission
	scheduled bool // Resubmission timer armed
	cancelled bool
	failed    bool
	status    pkg.TransferStatus // First fault seen in the current round

	// Isochronous halves.
	data *hal.IsoTransfer
	sync *hal.IsoTransfer

	// Bulk sequence.
	xfer      hal.BulkTransfer
	dest      []byte
	scratch   []byte
	ref       bufferRef
	chunk     int
	offset    int
	remaining int

	// External requests.
	retain    bool
	abandoned bool // Cancelled by the client before or while in flight
	done      func(n int, err error)
	finished  chan struct{}
}

// newIsoSlot allocates an isochronous slot with its data and optional sync
// descriptors.
func newIsoSlot(ch ChannelID, index int, data hal.PipeInfo, companion *hal.PipeInfo, packets int) *transferSlot {
	s := &transferSlot{
		kind:     slotIso,
		index:    index,
		channel:  ch,
		pipe:     data.Index,
		syncPipe: hal.NoPipe,
	}
	s.data = newIsoDescriptor(data, packets)
	if companion != nil {
		s.syncPipe = companion.Index
		s.sync = newIsoDescriptor(*companion, packets)
	}
	return s
}

func newIsoDescriptor(p hal.PipeInfo, packets int) *hal.IsoTransfer {
	x := &hal.IsoTransfer{
		Pipe:    p.Index,
		Buffer:  make([]byte, packets*p.MaxPacketSize),
		Packets: make([]hal.IsoPacket, packets),
		ASAP:    true,
	}
	for i := range x.Packets {
		x.Packets[i].Offset = i * p.MaxPacketSize
		x.Packets[i].Length = p.MaxPacketSize
	}
	return x
}

// newBulkSlot allocates a streaming bulk slot sized to one frame.
func newBulkSlot(ch ChannelID, index int, p hal.PipeInfo, frameLength int) *transferSlot {
	return &transferSlot{
		kind:     slotBulk,
		index:    index,
		channel:  ch,
		pipe:     p.Index,
		syncPipe: hal.NoPipe,
		dest:     make([]byte, frameLength),
		scratch:  make([]byte, p.MaxPacketSize),
	}
}

// newExternalSlot wraps a one-shot client request.
func newExternalSlot(p hal.PipeInfo, buf []byte, done func(int, error)) *transferSlot {
	return &transferSlot{
		kind:     slotExternal,
		channel:  NoChannel,
		pipe:     p.Index,
		syncPipe: hal.NoPipe,
		dest:     buf,
		scratch:  make([]byte, p.MaxPacketSize),
		retain:   true,
		done:     done,
		finished: make(chan struct{}),
	}
}

// idle reports whether nothing is in flight or scheduled. Safe from
// interrupt context.
func (s *transferSlot) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending == 0 && !s.scheduled
}

// beginSequence rewinds a bulk slot to the start of its destination.
func (s *transferSlot) beginSequence() {
	s.offset = 0
	s.remaining = len(s.dest)
	s.cancelled = false
	s.failed = false
	s.status = pkg.TransferStatusSuccess
}

// nextChunk sizes the next bulk chunk and selects its buffer.
func (s *transferSlot) nextChunk(p hal.PipeInfo) bufferRef {
	limit := p.MaxTransferSize
	if limit <= 0 {
		limit = s.remaining
	}
	s.chunk = min(s.remaining, limit)
	if s.chunk < p.MaxPacketSize {
		s.ref = scratchRef(s.scratch[:p.MaxPacketSize])
	} else {
		s.ref = directRef(s.dest[s.offset : s.offset+s.chunk])
	}
	return s.ref
}
