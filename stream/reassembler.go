package stream

import (
	"context"

	"github.com/ardnew/usbcap/pkg"
)

// reassembleIso feeds a completed isochronous slot to the reassembler, one
// packet at a time in index order. Packets the transport flagged as errored
// are skipped. Interrupt context.
func (d *Device) reassembleIso(owner *channel, s *transferSlot) {
	owner.asmMu.Lock()
	defer owner.asmMu.Unlock()

	for i := range s.data.Packets {
		p := &s.data.Packets[i]
		if p.Status != pkg.TransferStatusSuccess && p.Status != pkg.TransferStatusOverrun {
			continue
		}
		var sync []byte
		if s.sync != nil {
			sync = s.sync.PacketData(i)
		}
		data := s.data.PacketData(i)
		if len(data) == 0 && len(sync) == 0 {
			continue
		}
		d.processPacket(owner, sync, data)
	}
}

// reassembleBulk feeds a completed bulk sequence to the reassembler as a
// single packet. Interrupt context.
func (d *Device) reassembleBulk(owner *channel, data []byte) {
	if len(data) == 0 {
		return
	}
	owner.asmMu.Lock()
	defer owner.asmMu.Unlock()

	d.processPacket(owner, nil, data)
}

// processPacket classifies one packet and moves its payload into the
// in-flight frame of every target channel. The caller holds owner.asmMu.
func (d *Device) processPacket(owner *channel, sync, data []byte) {
	res := d.classifier.ProcessPacket(sync, data, &owner.info)
	if res.Flags&PacketError != 0 {
		res.Flags |= PacketDrop
	}

	if res.NewFrame {
		d.completeFrame(owner)
		d.beginFrame(owner, res.Flags)
	}

	drop := res.Flags&PacketDrop != 0
	if drop || len(res.Payload) > 0 {
		for _, id := range owner.active {
			t := d.channel(id)
			if t == nil {
				continue
			}
			t.mu.Lock()
			if r := t.current; r != nil {
				if drop {
					r.dropped = true
				}
				if len(res.Payload) > 0 {
					r.write(res.Payload)
					if id == owner.id || owner.info.Packets == 0 {
						owner.info.Bytes, owner.info.Packets = r.n, r.packets
					}
				}
			}
			t.mu.Unlock()
		}
	}

	if res.Flags&PacketEndOfFrame != 0 {
		d.completeFrame(owner)
	}
}

// completeFrame hands the in-flight request of every active target to the
// dispatch queue, empty or dropped frames included.
func (d *Device) completeFrame(owner *channel) {
	for _, id := range owner.active {
		t := d.channel(id)
		if t == nil {
			continue
		}
		t.mu.Lock()
		r := t.current
		t.current = nil
		t.mu.Unlock()

		if r != nil && !d.dispatch.enqueue(r) {
			d.cancelFrame(r)
		}
	}
	owner.active = owner.active[:0]
	owner.info.Active = false
	owner.info.Bytes = 0
	owner.info.Packets = 0
}

// beginFrame assigns the next pending request of each target channel to the
// new frame. A target with nothing queued counts a lost frame.
func (d *Device) beginFrame(owner *channel, flags PacketFlags) {
	for _, id := range d.frameTargets(owner, flags) {
		t := d.channel(id)
		if t == nil || !t.accepting() {
			continue
		}
		seq := t.frames.Add(1)

		t.mu.Lock()
		var r *FrameRequest
		if len(t.pending) > 0 {
			r = t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			r.rewind()
			r.seq = seq
			t.current = r
		}
		t.mu.Unlock()

		if r == nil {
			t.lost.Add(1)
			d.metrics.frame(d.id, t.format.Stream, resultLost)
			pkg.LogDebug(pkg.ComponentReassembler, "frame lost", "channel", id, "sequence", seq)
		} else {
			owner.info.Active = true
		}
		owner.active = append(owner.active, id)
	}
}

// frameTargets resolves which channels a frame is captured for. A video
// owner carries a virtual still when the classifier marks still packets; a
// frame marked both video and still goes to both.
func (d *Device) frameTargets(owner *channel, flags PacketFlags) []ChannelID {
	if owner.format.Stream != StreamVideo {
		return []ChannelID{owner.id}
	}
	wantVideo := flags&PacketVideo != 0 || flags&PacketStill == 0
	wantStill := flags&PacketStill != 0

	targets := make([]ChannelID, 0, 2)
	if wantVideo {
		targets = append(targets, owner.id)
	}
	if still := owner.stillID(); wantStill && still != NoChannel {
		targets = append(targets, still)
	}
	return targets
}

// dropActive abandons the in-flight frames of the owner's pipe. Each is
// marked dropped and completed at once, so its request is back in the
// pending queue before the next frame begins.
func (d *Device) dropActive(owner *channel) {
	owner.asmMu.Lock()
	defer owner.asmMu.Unlock()

	for _, id := range owner.active {
		t := d.channel(id)
		if t == nil {
			continue
		}
		t.mu.Lock()
		if t.current != nil {
			t.current.dropped = true
		}
		t.mu.Unlock()
	}
	d.completeFrame(owner)
}

// finishFrame finalizes one completed frame and completes the client
// request. A dropped frame is recycled instead. Dispatch worker context.
func (d *Device) finishFrame(ctx context.Context, r *FrameRequest) {
	ch := d.channel(r.channel)
	if r.dropped {
		d.recycle(ch, r)
		return
	}

	n, err := d.finalizer.Finalize(ctx, r.raw[:r.n], r.dest, r.packets)
	if err != nil {
		status := pkg.StatusFromError(err)
		if status == pkg.TransferStatusCancelled {
			d.cancelFrame(r)
			return
		}
		if r.complete(status, n, err) && ch != nil {
			ch.failed.Add(1)
		}
		d.metrics.frame(d.id, r.kind, resultFailed)
		pkg.LogWarn(pkg.ComponentDispatch, "finalize failed", "channel", r.channel, "sequence", r.seq, "error", err)
		return
	}

	if !r.complete(pkg.TransferStatusSuccess, n, nil) {
		return
	}
	if ch != nil {
		ch.completed.Add(1)
		if r.truncated {
			ch.truncated.Add(1)
		}
	}
	if r.truncated {
		d.metrics.frame(d.id, r.kind, resultTruncated)
	}
	d.metrics.frame(d.id, r.kind, resultCompleted)
	d.metrics.addBytes(d.id, r.kind, n)
}

// recycle returns a dropped frame's request to the front of its channel's
// pending queue while the channel runs, and cancels it otherwise.
func (d *Device) recycle(ch *channel, r *FrameRequest) {
	if ch != nil && ch.accepting() && ch.prepared.Load() {
		ch.mu.Lock()
		r.rewind()
		ch.pending = append([]*FrameRequest{r}, ch.pending...)
		ch.mu.Unlock()

		ch.dropped.Add(1)
		d.metrics.frame(d.id, r.kind, resultDropped)
		return
	}
	d.cancelFrame(r)
}

// cancelFrame completes a request that will never be finalized as
// cancelled and counts it.
func (d *Device) cancelFrame(r *FrameRequest) {
	if !r.cancel() {
		return
	}
	if ch := d.channel(r.channel); ch != nil {
		ch.cancelled.Add(1)
	}
	d.metrics.frame(d.id, r.kind, resultCancelled)
}
