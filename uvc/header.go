package uvc

import (
	"encoding/binary"

	"github.com/ardnew/usbcap/stream"
)

// Header is a parsed payload header.
type Header struct {
	Length uint8 // bHeaderLength
	Info   uint8 // bmHeaderInfo

	PTS uint32 // valid when Info&HeaderPTS != 0
	SCR uint32 // source time clock, valid when Info&HeaderSCR != 0
	SOF uint16 // 1 KHz SOF counter, valid when Info&HeaderSCR != 0
}

// FID returns the frame ID bit.
func (h *Header) FID() uint8 { return h.Info & HeaderFID }

// Has reports whether every bit in mask is set.
func (h *Header) Has(mask uint8) bool { return h.Info&mask == mask }

// ParseHeader parses the payload header at the start of data. It returns
// false if data is too short or the declared length is inconsistent.
func ParseHeader(data []byte, out *Header) bool {
	if len(data) < HeaderMinLength {
		return false
	}
	n := int(data[0])
	if n < HeaderMinLength || n > len(data) || n > HeaderMaxLength {
		return false
	}

	*out = Header{Length: data[0], Info: data[1]}
	off := HeaderMinLength
	if out.Info&HeaderPTS != 0 {
		if off+PTSSize > n {
			return false
		}
		out.PTS = binary.LittleEndian.Uint32(data[off:])
		off += PTSSize
	}
	if out.Info&HeaderSCR != 0 {
		if off+SCRSize > n {
			return false
		}
		out.SCR = binary.LittleEndian.Uint32(data[off:])
		out.SOF = binary.LittleEndian.Uint16(data[off+4:]) & 0x07FF
	}
	return true
}

// Classifier state bits kept in stream.FrameInfo.State.
const (
	stateSeen  = 1 << 1 // a frame has been started
	stateEnded = 1 << 2 // the last frame closed with EOF
)

// Classifier finds frame boundaries in a payload-header stream.
//
// A frame starts when the FID bit toggles, or on the first payload after
// an EOF or after startup. Packets with an invalid header are ignored.
type Classifier struct{}

// ProcessPacket implements stream.Classifier.
func (Classifier) ProcessPacket(_, data []byte, inFlight *stream.FrameInfo) stream.PacketResult {
	var h Header
	if !ParseHeader(data, &h) {
		return stream.PacketResult{}
	}

	payload := data[h.Length:]
	state := inFlight.State
	fid := uint64(h.FID())

	var res stream.PacketResult
	switch {
	case state&stateSeen != 0 && state&HeaderFID != fid:
		res.NewFrame = true
	case state&stateSeen == 0, state&stateEnded != 0:
		res.NewFrame = len(payload) > 0
	}
	if len(payload) > 0 {
		res.Payload = payload
	}

	if h.Has(HeaderSTI) {
		res.Flags |= stream.PacketStill
	} else {
		res.Flags |= stream.PacketVideo
	}
	if h.Has(HeaderERR) {
		res.Flags |= stream.PacketError
	}

	ended := state&stateEnded != 0 && !res.NewFrame
	seen := state&stateSeen != 0 || res.NewFrame
	state = fid
	if seen {
		state |= stateSeen
	}
	if h.Has(HeaderEOF) {
		res.Flags |= stream.PacketEndOfFrame
		ended = true
	}
	if ended {
		state |= stateEnded
	}
	inFlight.State = state
	return res
}
