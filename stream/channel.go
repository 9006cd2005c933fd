package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbcap/pkg"
)

// ChannelID indexes a channel in its device's arena.
type ChannelID int

// NoChannel marks the absence of a channel.
const NoChannel ChannelID = -1

// channelFlags are the latched channel conditions the watchdog observes.
type channelFlags uint32

const (
	flagStreamError   channelFlags = 1 << iota // A transfer faulted; reset pending
	flagStopRequested                          // Stop is draining the channel
	flagTimeoutWait                            // A control operation waits for drain
)

// Stats is a snapshot of channel counters.
type Stats struct {
	Stream    StreamKind
	Prepared  bool
	Started   bool
	Frames    uint64 // Frame boundaries seen
	Completed uint64
	Lost      uint64 // Boundaries with no request queued
	Dropped   uint64 // Frames discarded and their requests recycled
	Cancelled uint64
	Failed    uint64
	Truncated uint64
	Faults    uint64
	Resets    uint64
	Pending   int

	FrameLength int // Negotiated raw frame capacity, 0 until prepared
}

// channel is one logical capture stream. Channels are owned by the device
// arena; all cross references are ChannelIDs.
type channel struct {
	id     ChannelID
	format Format
	owner  ChannelID // Channel whose slots carry this stream's packets

	still atomic.Int32 // Virtual still riding on this channel, or NoChannel

	flags      atomic.Uint32
	prepared   atomic.Bool
	started    atomic.Bool
	capturing  atomic.Bool
	resetClaim atomic.Bool

	// mu guards the request queues, the frame length and the slot table. It
	// is taken from interrupt context and held only briefly.
	mu          sync.Mutex
	current     *FrameRequest
	pending     []*FrameRequest
	frameLength int
	slots       []*transferSlot

	// asmMu serializes reassembly of this channel's pipe. Only pipe owners
	// use it, and only the reassembler touches info and active.
	asmMu  sync.Mutex
	info   FrameInfo
	active []ChannelID

	frames    atomic.Uint64
	completed atomic.Uint64
	lost      atomic.Uint64
	dropped   atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	truncated atomic.Uint64
	faults    atomic.Uint64
	resets    atomic.Uint64

	wd      watchdog
	drained chan struct{}
}

func newChannel(id ChannelID, format Format, owner ChannelID) *channel {
	ch := &channel{
		id:      id,
		format:  format,
		owner:   owner,
		drained: make(chan struct{}, 1),
	}
	ch.still.Store(int32(NoChannel))
	ch.info.Stream = format.Stream
	return ch
}

func (ch *channel) virtual() bool {
	return ch.format.Virtual
}

func (ch *channel) stillID() ChannelID {
	return ChannelID(ch.still.Load())
}

// setFlags latches f and reports whether any bit was newly set.
func (ch *channel) setFlags(f channelFlags) bool {
	for {
		old := ch.flags.Load()
		if ch.flags.CompareAndSwap(old, old|uint32(f)) {
			return old&uint32(f) != uint32(f)
		}
	}
}

func (ch *channel) clearFlags(f channelFlags) {
	for {
		old := ch.flags.Load()
		if ch.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (ch *channel) hasFlags(f channelFlags) bool {
	return channelFlags(ch.flags.Load())&f != 0
}

// accepting reports whether new frames may be assigned to the channel.
func (ch *channel) accepting() bool {
	return ch.started.Load() && !ch.hasFlags(flagStopRequested)
}

func (ch *channel) slotList() []*transferSlot {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.slots
}

// fence waits for every in-progress slot critical section. A submission
// racing a newly latched flag has either finished, and will be aborted, or
// will observe the flag.
func (ch *channel) fence() {
	for _, s := range ch.slotList() {
		s.mu.Lock()
		s.mu.Unlock()
	}
}

// signalDrained wakes a stop or reset waiter without blocking.
func (ch *channel) signalDrained() {
	select {
	case ch.drained <- struct{}{}:
	default:
	}
}

// waitFlagsClear blocks until every bit in mask is cleared by the watchdog.
func (ch *channel) waitFlagsClear(ctx context.Context, mask channelFlags, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !ch.hasFlags(mask) {
			return nil
		}
		select {
		case <-ch.drained:
		case <-timer.C:
			if !ch.hasFlags(mask) {
				return nil
			}
			return fmt.Errorf("channel %d drain: %w", ch.id, pkg.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cancelRequests completes the current and every pending request as
// cancelled. It is safe from interrupt context.
func (ch *channel) cancelRequests() int {
	ch.mu.Lock()
	reqs := ch.pending
	ch.pending = nil
	if ch.current != nil {
		reqs = append(reqs, ch.current)
		ch.current = nil
	}
	ch.mu.Unlock()

	n := 0
	for _, r := range reqs {
		if r.cancel() {
			n++
		}
	}
	ch.cancelled.Add(uint64(n))
	return n
}

func (ch *channel) stats() Stats {
	ch.mu.Lock()
	pending := len(ch.pending)
	frameLength := ch.frameLength
	ch.mu.Unlock()

	return Stats{
		Stream:    ch.format.Stream,
		Prepared:  ch.prepared.Load(),
		Started:   ch.started.Load(),
		Frames:    ch.frames.Load(),
		Completed: ch.completed.Load(),
		Lost:      ch.lost.Load(),
		Dropped:   ch.dropped.Load(),
		Cancelled: ch.cancelled.Load(),
		Failed:    ch.failed.Load(),
		Truncated: ch.truncated.Load(),
		Faults:    ch.faults.Load(),
		Resets:    ch.resets.Load(),
		Pending:   pending,

		FrameLength: frameLength,
	}
}
