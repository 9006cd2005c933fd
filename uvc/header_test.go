package uvc

import (
	"testing"

	"github.com/ardnew/usbcap/stream"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
		want Header
	}{
		{"minimal", []byte{2, HeaderFID}, true, Header{Length: 2, Info: HeaderFID}},
		{"with payload", []byte{2, HeaderEOF, 0xAA}, true, Header{Length: 2, Info: HeaderEOF}},
		{
			"pts and scr",
			[]byte{12, HeaderPTS | HeaderSCR, 1, 0, 0, 0, 2, 0, 0, 0, 0xFF, 0xFF},
			true,
			Header{Length: 12, Info: HeaderPTS | HeaderSCR, PTS: 1, SCR: 2, SOF: 0x07FF},
		},
		{"too short", []byte{2}, false, Header{}},
		{"length below minimum", []byte{1, 0}, false, Header{}},
		{"length beyond data", []byte{6, 0, 0}, false, Header{}},
		{"length beyond maximum", append([]byte{13, 0}, make([]byte, 11)...), false, Header{}},
		{"pts truncated", []byte{4, HeaderPTS, 0, 0}, false, Header{}},
		{"scr truncated", []byte{6, HeaderSCR, 0, 0, 0, 0}, false, Header{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Header
			ok := ParseHeader(tt.data, &h)
			if ok != tt.ok {
				t.Fatalf("ParseHeader() = %v, want %v", ok, tt.ok)
			}
			if ok && h != tt.want {
				t.Errorf("ParseHeader() header = %+v, want %+v", h, tt.want)
			}
		})
	}
}

func TestHeader_Bits(t *testing.T) {
	h := Header{Info: HeaderFID | HeaderEOF | HeaderSTI}
	if h.FID() != 1 {
		t.Errorf("FID() = %d, want 1", h.FID())
	}
	if !h.Has(HeaderEOF | HeaderSTI) {
		t.Error("Has(EOF|STI) = false")
	}
	if h.Has(HeaderERR) {
		t.Error("Has(ERR) = true")
	}
}

func payload(info uint8, data string) []byte {
	return append([]byte{2, info}, data...)
}

func TestClassifier_Sequence(t *testing.T) {
	type step struct {
		packet   []byte
		active   bool
		newFrame bool
		payload  string
		flags    stream.PacketFlags
	}

	video := stream.PacketVideo
	tests := []struct {
		name  string
		steps []step
	}{
		{
			"fid toggle",
			[]step{
				{payload(0, "ab"), false, true, "ab", video},
				{payload(0, "cd"), true, false, "cd", video},
				{payload(HeaderFID, "ef"), true, true, "ef", video},
				{payload(HeaderFID, ""), true, false, "", video},
			},
		},
		{
			"eof closes frame",
			[]step{
				{payload(0, "ab"), false, true, "ab", video},
				{payload(HeaderEOF, "cd"), true, false, "cd", video | stream.PacketEndOfFrame},
				{payload(0, ""), false, false, "", video},
				{payload(0, "ef"), false, true, "ef", video},
			},
		},
		{
			"header only start waits for data",
			[]step{
				{payload(HeaderFID, ""), false, false, "", video},
				{payload(HeaderFID, "ab"), false, true, "ab", video},
			},
		},
		{
			"still and error",
			[]step{
				{payload(HeaderSTI, "ab"), false, true, "ab", stream.PacketStill},
				{payload(HeaderSTI|HeaderERR, "cd"), true, false, "cd", stream.PacketStill | stream.PacketError},
			},
		},
		{
			"invalid header ignored",
			[]step{
				{[]byte{9, 0}, false, false, "", 0},
				{payload(0, "ab"), false, true, "ab", video},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Classifier
			var info stream.FrameInfo
			for i, s := range tt.steps {
				info.Active = s.active
				res := c.ProcessPacket(nil, s.packet, &info)
				if res.NewFrame != s.newFrame {
					t.Errorf("step %d: NewFrame = %v, want %v", i, res.NewFrame, s.newFrame)
				}
				if string(res.Payload) != s.payload {
					t.Errorf("step %d: Payload = %q, want %q", i, res.Payload, s.payload)
				}
				if res.Flags != s.flags {
					t.Errorf("step %d: Flags = %#x, want %#x", i, res.Flags, s.flags)
				}
			}
		})
	}
}
