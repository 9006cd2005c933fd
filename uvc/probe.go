package uvc

import "encoding/binary"

// Probe is the video probe and commit control block.
type Probe struct {
	Hint                   uint16
	FormatIndex            uint8
	FrameIndex             uint8
	FrameInterval          uint32 // 100ns units
	KeyFrameRate           uint16
	PFrameRate             uint16
	CompQuality            uint16
	CompWindowSize         uint16
	Delay                  uint16
	MaxVideoFrameSize      uint32
	MaxPayloadTransferSize uint32

	// UVC 1.1 fields
	ClockFrequency   uint32
	FramingInfo      uint8
	PreferredVersion uint8
	MinVersion       uint8
	MaxVersion       uint8
}

// MarshalTo encodes the probe into buf and returns the number of bytes
// written. buf must hold ProbeLength10 or ProbeLength11 bytes; the 1.1
// fields are written only when it holds the latter.
func (p *Probe) MarshalTo(buf []byte) int {
	if len(buf) < ProbeLength10 {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint16(buf[0:], p.Hint)
	buf[2] = p.FormatIndex
	buf[3] = p.FrameIndex
	le.PutUint32(buf[4:], p.FrameInterval)
	le.PutUint16(buf[8:], p.KeyFrameRate)
	le.PutUint16(buf[10:], p.PFrameRate)
	le.PutUint16(buf[12:], p.CompQuality)
	le.PutUint16(buf[14:], p.CompWindowSize)
	le.PutUint16(buf[16:], p.Delay)
	le.PutUint32(buf[18:], p.MaxVideoFrameSize)
	le.PutUint32(buf[22:], p.MaxPayloadTransferSize)
	if len(buf) < ProbeLength11 {
		return ProbeLength10
	}
	le.PutUint32(buf[26:], p.ClockFrequency)
	buf[30] = p.FramingInfo
	buf[31] = p.PreferredVersion
	buf[32] = p.MinVersion
	buf[33] = p.MaxVersion
	return ProbeLength11
}

// ParseProbe decodes a probe block. It returns false if data is shorter
// than a UVC 1.0 block.
func ParseProbe(data []byte, out *Probe) bool {
	if len(data) < ProbeLength10 {
		return false
	}
	le := binary.LittleEndian
	*out = Probe{
		Hint:                   le.Uint16(data[0:]),
		FormatIndex:            data[2],
		FrameIndex:             data[3],
		FrameInterval:          le.Uint32(data[4:]),
		KeyFrameRate:           le.Uint16(data[8:]),
		PFrameRate:             le.Uint16(data[10:]),
		CompQuality:            le.Uint16(data[12:]),
		CompWindowSize:         le.Uint16(data[14:]),
		Delay:                  le.Uint16(data[16:]),
		MaxVideoFrameSize:      le.Uint32(data[18:]),
		MaxPayloadTransferSize: le.Uint32(data[22:]),
	}
	if len(data) >= ProbeLength11 {
		out.ClockFrequency = le.Uint32(data[26:])
		out.FramingInfo = data[30]
		out.PreferredVersion = data[31]
		out.MinVersion = data[32]
		out.MaxVersion = data[33]
	}
	return true
}

// StillProbe is the still probe and commit control block.
type StillProbe struct {
	FormatIndex            uint8
	FrameIndex             uint8
	CompressionIndex       uint8
	MaxVideoFrameSize      uint32
	MaxPayloadTransferSize uint32
}

// MarshalTo encodes the still probe into buf.
func (p *StillProbe) MarshalTo(buf []byte) int {
	if len(buf) < StillLength {
		return 0
	}
	buf[0] = p.FormatIndex
	buf[1] = p.FrameIndex
	buf[2] = p.CompressionIndex
	binary.LittleEndian.PutUint32(buf[3:], p.MaxVideoFrameSize)
	binary.LittleEndian.PutUint32(buf[7:], p.MaxPayloadTransferSize)
	return StillLength
}

// ParseStillProbe decodes a still probe block.
func ParseStillProbe(data []byte, out *StillProbe) bool {
	if len(data) < StillLength {
		return false
	}
	*out = StillProbe{
		FormatIndex:            data[0],
		FrameIndex:             data[1],
		CompressionIndex:       data[2],
		MaxVideoFrameSize:      binary.LittleEndian.Uint32(data[3:]),
		MaxPayloadTransferSize: binary.LittleEndian.Uint32(data[7:]),
	}
	return true
}
