package stream

import (
	"context"
	"sync"

	"github.com/ardnew/usbcap/pkg"
)

// Completion is the outcome of a frame request.
type Completion struct {
	Status    pkg.TransferStatus
	N         int    // Bytes written to the destination
	Sequence  uint64 // Capture sequence number, 0 if never captured
	Truncated bool   // The raw frame exceeded its capacity
	Err       error
}

// FrameRequest is a client destination buffer awaiting the next frame.
//
// A request is held by exactly one of: its channel's pending queue, the
// channel's current slot, the dispatch queue, or the dispatch worker.
type FrameRequest struct {
	channel ChannelID
	kind    StreamKind
	dest    []byte
	raw     []byte

	// Accumulation state, written by the reassembler under the channel lock.
	n         int
	packets   int
	dropped   bool
	truncated bool
	seq       uint64

	once   sync.Once
	done   chan struct{}
	result Completion
}

func newFrameRequest(ch ChannelID, dest []byte, frameLength int) *FrameRequest {
	return &FrameRequest{
		channel: ch,
		dest:    dest,
		raw:     make([]byte, frameLength),
		done:    make(chan struct{}),
	}
}

// Channel returns the channel the request was submitted on.
func (r *FrameRequest) Channel() ChannelID {
	return r.channel
}

// Done returns a channel closed when the request completes.
func (r *FrameRequest) Done() <-chan struct{} {
	return r.done
}

// Result returns the completion. It is valid only after Done is closed.
func (r *FrameRequest) Result() Completion {
	return r.result
}

// Wait blocks until the request completes or ctx is done.
func (r *FrameRequest) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-r.done:
		return r.result, r.result.Err
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// rewind clears accumulation state so the request can take another frame.
func (r *FrameRequest) rewind() {
	r.n = 0
	r.packets = 0
	r.dropped = false
	r.truncated = false
	r.seq = 0
}

// write copies payload at the current offset, bounded by the raw capacity.
func (r *FrameRequest) write(payload []byte) {
	n := copy(r.raw[r.n:], payload)
	if n < len(payload) {
		r.truncated = true
	}
	r.n += n
	r.packets++
}

// complete finishes the request. Only the first call has effect.
func (r *FrameRequest) complete(status pkg.TransferStatus, n int, err error) bool {
	first := false
	r.once.Do(func() {
		if err == nil {
			err = status.Error()
		}
		r.result = Completion{
			Status:    status,
			N:         n,
			Sequence:  r.seq,
			Truncated: r.truncated,
			Err:       err,
		}
		close(r.done)
		first = true
	})
	return first
}

// cancel completes the request as cancelled with zero bytes.
func (r *FrameRequest) cancel() bool {
	return r.complete(pkg.TransferStatusCancelled, 0, nil)
}
