package stream

import (
	"testing"

	"github.com/ardnew/usbcap/hal"
)

func testExternalSlot(pipe int) *transferSlot {
	p := hal.PipeInfo{Index: pipe, Endpoint: 0x81, Type: hal.PipeBulk, MaxPacketSize: 64}
	return newExternalSlot(p, make([]byte, 8), func(int, error) {})
}

func testBulkSlot(pipe, index int) *transferSlot {
	p := hal.PipeInfo{Index: pipe, Endpoint: 0x81, Type: hal.PipeBulk, MaxPacketSize: 64}
	return newBulkSlot(0, index, p, 128)
}

func TestLedger_EnqueueRemove(t *testing.T) {
	l := NewLedger(2)
	a, b, c := testBulkSlot(2, 0), testBulkSlot(2, 1), testBulkSlot(2, 2)

	if l.Outstanding() {
		t.Error("Outstanding() = true for empty ledger")
	}
	l.Enqueue(a)
	l.Enqueue(b)
	l.Enqueue(c)
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l.Len())
	}

	if !l.Remove(b) {
		t.Error("Remove(b) = false, want true")
	}
	if l.Remove(b) {
		t.Error("Remove(b) twice = true, want false")
	}
	if got := l.inflight; len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("inflight order after Remove = %v", got)
	}

	l.Remove(a)
	l.Remove(c)
	if l.Outstanding() {
		t.Error("Outstanding() = true after removing every slot")
	}
}

func TestLedger_CancelAllRetainsExternal(t *testing.T) {
	l := NewLedger(2)
	stream := testBulkSlot(2, 0)
	ext := testExternalSlot(2)
	l.Enqueue(stream)
	l.Enqueue(ext)

	if n := l.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	for _, s := range []*transferSlot{stream, ext} {
		if !s.cancelled {
			t.Errorf("slot kind %d not marked cancelled", s.kind)
		}
	}
	if l.Retained(stream) {
		t.Error("Retained(streaming slot) = true, want false")
	}
	if !l.Retained(ext) {
		t.Error("Retained(external slot) = false, want true")
	}

	// A second pass does not duplicate the restore entry.
	l.CancelAll()
	restore := l.TakeRestore()
	if len(restore) != 1 || restore[0] != ext {
		t.Errorf("TakeRestore() = %v, want [ext]", restore)
	}
	if got := l.TakeRestore(); len(got) != 0 {
		t.Errorf("TakeRestore() again = %v, want empty", got)
	}
	if l.Retained(ext) {
		t.Error("Retained() = true after TakeRestore")
	}
}

func TestLedger_CancelAllEmpty(t *testing.T) {
	l := NewLedger(0)
	if n := l.CancelAll(); n != 0 {
		t.Errorf("CancelAll() = %d, want 0", n)
	}
}

func TestTransferSlot_NextChunk(t *testing.T) {
	p := hal.PipeInfo{Index: 4, Endpoint: 0x85, Type: hal.PipeBulk, MaxPacketSize: 64, MaxTransferSize: 256}

	tests := []struct {
		name       string
		dest       int
		wantChunks []int
		wantKinds  []bufferKind
	}{
		{"split", 600, []int{256, 256, 88}, []bufferKind{bufferDirect, bufferDirect, bufferDirect}},
		{"short tail", 520, []int{256, 256, 8}, []bufferKind{bufferDirect, bufferDirect, bufferScratch}},
		{"single scratch", 10, []int{10}, []bufferKind{bufferScratch}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newBulkSlot(0, 0, p, tt.dest)
			s.beginSequence()

			for i := range tt.wantChunks {
				ref := s.nextChunk(p)
				if s.chunk != tt.wantChunks[i] {
					t.Errorf("chunk %d = %d, want %d", i, s.chunk, tt.wantChunks[i])
				}
				if ref.kind != tt.wantKinds[i] {
					t.Errorf("chunk %d kind = %d, want %d", i, ref.kind, tt.wantKinds[i])
				}
				if ref.kind == bufferScratch && len(ref.backing) != p.MaxPacketSize {
					t.Errorf("scratch length = %d, want %d", len(ref.backing), p.MaxPacketSize)
				}
				s.offset += s.chunk
				s.remaining -= s.chunk
			}
			if s.remaining != 0 {
				t.Errorf("remaining = %d, want 0", s.remaining)
			}
		})
	}
}

func TestBufferRef_CopyBack(t *testing.T) {
	scratch := []byte("abcdefgh")

	tests := []struct {
		name string
		ref  bufferRef
		dst  int
		n    int
		want int
	}{
		{"direct full", directRef(make([]byte, 8)), 8, 8, 8},
		{"direct short", directRef(make([]byte, 8)), 8, 3, 3},
		{"scratch clipped", scratchRef(scratch), 5, 8, 5},
		{"scratch short", scratchRef(scratch), 5, 2, 2},
		{"actual beyond backing", scratchRef(scratch), 16, 20, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.dst)
			if got := tt.ref.copyBack(dst, tt.n); got != tt.want {
				t.Errorf("copyBack() = %d, want %d", got, tt.want)
			}
			if tt.ref.kind == bufferScratch && string(dst[:tt.want]) != string(scratch[:tt.want]) {
				t.Errorf("copied %q, want %q", dst[:tt.want], scratch[:tt.want])
			}
		})
	}
}
