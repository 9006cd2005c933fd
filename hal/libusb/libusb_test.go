package libusb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

// ============================================================================
// Fake endpoint
// ============================================================================

// scriptEndpoint answers transfers from a script of results. An empty
// script blocks until the context is cancelled.
type scriptEndpoint struct {
	mu      sync.Mutex
	results []result
	lens    []int
	started chan struct{}
}

type result struct {
	data []byte
	err  error
}

func newScriptEndpoint(results ...result) *scriptEndpoint {
	return &scriptEndpoint{results: results, started: make(chan struct{}, 16)}
}

func (e *scriptEndpoint) transfer(ctx context.Context, buf []byte) (int, error) {
	e.mu.Lock()
	e.lens = append(e.lens, len(buf))
	if len(e.results) == 0 {
		e.mu.Unlock()
		e.started <- struct{}{}
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	r := e.results[0]
	e.results = e.results[1:]
	e.mu.Unlock()
	return copy(buf, r.data), r.err
}

func startLane(t *testing.T, ep endpoint, typ hal.PipeType) *lane {
	t.Helper()
	l := newLane(context.Background(), hal.PipeInfo{Endpoint: 0x81, Type: typ, MaxPacketSize: 8}, ep)
	var wg sync.WaitGroup
	wg.Add(1)
	go l.run(&wg)
	t.Cleanup(func() {
		l.shutdown()
		wg.Wait()
	})
	return l
}

func recv[T any](t *testing.T, c chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(time.Second):
		t.Fatal("no completion")
		var zero T
		return zero
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want pkg.TransferStatus
	}{
		{nil, pkg.TransferStatusSuccess},
		{context.Canceled, pkg.TransferStatusCancelled},
		{context.DeadlineExceeded, pkg.TransferStatusTimeout},
		{gousb.TransferCompleted, pkg.TransferStatusSuccess},
		{gousb.TransferCancelled, pkg.TransferStatusCancelled},
		{gousb.TransferStall, pkg.TransferStatusStall},
		{gousb.TransferTimedOut, pkg.TransferStatusTimeout},
		{gousb.TransferNoDevice, pkg.TransferStatusNoDevice},
		{gousb.TransferOverflow, pkg.TransferStatusOverrun},
		{gousb.TransferError, pkg.TransferStatusError},
		{fmt.Errorf("read: %w", gousb.TransferStall), pkg.TransferStatusStall},
		{gousb.ErrorNoDevice, pkg.TransferStatusNoDevice},
		{gousb.ErrorTimeout, pkg.TransferStatusTimeout},
		{gousb.ErrorPipe, pkg.TransferStatusStall},
		{gousb.ErrorOverflow, pkg.TransferStatusOverrun},
		{gousb.ErrorInterrupted, pkg.TransferStatusCancelled},
		{gousb.ErrorIO, pkg.TransferStatusError},
		{errors.New("other"), pkg.TransferStatusError},
	}

	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMapError(t *testing.T) {
	if err := mapError(nil); err != nil {
		t.Errorf("mapError(nil) = %v", err)
	}
	if err := mapError(gousb.ErrorNoDevice); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("mapError(no device) = %v, want %v", err, pkg.ErrNoDevice)
	}
	if err := mapError(gousb.ErrorPipe); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("mapError(pipe) = %v, want %v", err, pkg.ErrStall)
	}
	if err := mapError(gousb.ErrorAccess); !errors.Is(err, pkg.ErrProtocol) {
		t.Errorf("mapError(access) = %v, want %v", err, pkg.ErrProtocol)
	}
}

func TestPipeTable(t *testing.T) {
	eps := map[gousb.EndpointAddress]gousb.EndpointDesc{
		0x83: {Address: 0x83, Number: 3, Direction: gousb.EndpointDirectionIn,
			TransferType: gousb.TransferTypeInterrupt, MaxPacketSize: 16, PollInterval: 8 * time.Millisecond},
		0x81: {Address: 0x81, Number: 1, Direction: gousb.EndpointDirectionIn,
			TransferType: gousb.TransferTypeIsochronous, MaxPacketSize: 3072, PollInterval: 125 * time.Microsecond},
		0x02: {Address: 0x02, Number: 2, Direction: gousb.EndpointDirectionOut,
			TransferType: gousb.TransferTypeBulk, MaxPacketSize: 512},
	}

	pipes := pipeTable(eps, 4096)
	want := []hal.PipeInfo{
		{Index: 0, Endpoint: 0x02, Type: hal.PipeBulk, MaxPacketSize: 512, MaxTransferSize: 4096},
		{Index: 1, Endpoint: 0x81, Type: hal.PipeIsochronous, MaxPacketSize: 3072, MaxTransferSize: 3072, Interval: 1},
		{Index: 2, Endpoint: 0x83, Type: hal.PipeInterrupt, MaxPacketSize: 16, MaxTransferSize: 16, Interval: 8},
	}
	if len(pipes) != len(want) {
		t.Fatalf("pipeTable() = %d pipes, want %d", len(pipes), len(want))
	}
	for i := range want {
		if pipes[i] != want[i] {
			t.Errorf("pipeTable()[%d] = %+v, want %+v", i, pipes[i], want[i])
		}
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want uint8
	}{
		{0, 0},
		{125 * time.Microsecond, 1},
		{4 * time.Millisecond, 4},
		{time.Second, 255},
	}
	for _, tt := range tests {
		if got := pollInterval(tt.d); got != tt.want {
			t.Errorf("pollInterval(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestLane_BulkOrder(t *testing.T) {
	ep := newScriptEndpoint(
		result{data: []byte("first")},
		result{data: []byte("2nd"), err: gousb.TransferStall},
	)
	l := startLane(t, ep, hal.PipeBulk)
	done := make(chan *hal.BulkTransfer, 2)

	a := &hal.BulkTransfer{Buffer: make([]byte, 8), Complete: func(x *hal.BulkTransfer) { done <- x }}
	b := &hal.BulkTransfer{Buffer: make([]byte, 8), Complete: func(x *hal.BulkTransfer) { done <- x }}
	if err := l.push(bulkJob(a)); err != nil {
		t.Fatalf("push() error = %v", err)
	}
	l.push(bulkJob(b))

	if x := recv(t, done); x != a || x.Actual != 5 || x.Status != pkg.TransferStatusSuccess {
		t.Errorf("first completion = %+v", x)
	}
	if x := recv(t, done); x != b || x.Actual != 3 || x.Status != pkg.TransferStatusStall {
		t.Errorf("second completion = %+v", x)
	}
}

func TestLane_IsoPacketsKeepBoundaries(t *testing.T) {
	ep := newScriptEndpoint(
		result{data: []byte("ab")},
		result{data: []byte("cdef"), err: gousb.TransferOverflow},
		result{data: []byte("g")},
	)
	l := startLane(t, ep, hal.PipeIsochronous)
	done := make(chan *hal.IsoTransfer, 1)

	x := &hal.IsoTransfer{
		Buffer:   make([]byte, 12),
		Packets:  []hal.IsoPacket{{Offset: 0, Length: 4}, {Offset: 4, Length: 4}, {Offset: 8, Length: 4}},
		Complete: func(x *hal.IsoTransfer) { done <- x },
	}
	l.push(isoJob(x))
	recv(t, done)

	if x.Status != pkg.TransferStatusSuccess {
		t.Errorf("Status = %v, want success", x.Status)
	}
	if got := string(x.PacketData(0)); got != "ab" {
		t.Errorf("packet 0 = %q, want %q", got, "ab")
	}
	if x.Packets[1].Status != pkg.TransferStatusOverrun {
		t.Errorf("packet 1 status = %v, want overrun", x.Packets[1].Status)
	}
	if got := string(x.PacketData(2)); got != "g" {
		t.Errorf("packet 2 = %q, want %q", got, "g")
	}
	if lens := ep.lens; len(lens) != 3 || lens[0] != 4 {
		t.Errorf("read lengths = %v, want three reads of 4", lens)
	}
}

func TestLane_IsoStallEndsTransfer(t *testing.T) {
	ep := newScriptEndpoint(result{err: gousb.TransferStall})
	l := startLane(t, ep, hal.PipeIsochronous)
	done := make(chan *hal.IsoTransfer, 1)

	x := &hal.IsoTransfer{
		Buffer:   make([]byte, 8),
		Packets:  []hal.IsoPacket{{Offset: 0, Length: 4}, {Offset: 4, Length: 4}},
		Complete: func(x *hal.IsoTransfer) { done <- x },
	}
	l.push(isoJob(x))
	recv(t, done)

	if x.Status != pkg.TransferStatusStall {
		t.Errorf("Status = %v, want stall", x.Status)
	}
	if len(ep.lens) != 1 {
		t.Errorf("reads = %d, want 1", len(ep.lens))
	}
}

func TestLane_Abort(t *testing.T) {
	ep := newScriptEndpoint()
	l := startLane(t, ep, hal.PipeBulk)
	done := make(chan *hal.BulkTransfer, 4)
	complete := func(x *hal.BulkTransfer) { done <- x }

	for range 2 {
		l.push(bulkJob(&hal.BulkTransfer{Buffer: make([]byte, 4), Complete: complete}))
	}
	recv(t, ep.started)
	l.abort()

	for i := range 2 {
		if x := recv(t, done); x.Status != pkg.TransferStatusCancelled {
			t.Errorf("completion %d status = %v, want cancelled", i, x.Status)
		}
	}

	// The next generation reads normally.
	ep.mu.Lock()
	ep.results = append(ep.results, result{data: []byte("ok")})
	ep.mu.Unlock()
	l.push(bulkJob(&hal.BulkTransfer{Buffer: make([]byte, 4), Complete: complete}))
	if x := recv(t, done); x.Status != pkg.TransferStatusSuccess || x.Actual != 2 {
		t.Errorf("after abort = %+v", x)
	}
}

func TestLane_Shutdown(t *testing.T) {
	ep := newScriptEndpoint()
	l := newLane(context.Background(), hal.PipeInfo{Type: hal.PipeBulk}, ep)
	var wg sync.WaitGroup
	wg.Add(1)
	go l.run(&wg)

	done := make(chan *hal.BulkTransfer, 2)
	complete := func(x *hal.BulkTransfer) { done <- x }
	l.push(bulkJob(&hal.BulkTransfer{Buffer: make([]byte, 4), Complete: complete}))
	l.push(bulkJob(&hal.BulkTransfer{Buffer: make([]byte, 4), Complete: complete}))
	recv(t, ep.started)

	l.shutdown()
	wg.Wait()

	for i := range 2 {
		if x := recv(t, done); x.Status != pkg.TransferStatusCancelled {
			t.Errorf("completion %d status = %v, want cancelled", i, x.Status)
		}
	}
	if err := l.push(bulkJob(&hal.BulkTransfer{Complete: complete})); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("push() after shutdown error = %v, want %v", err, pkg.ErrNotRunning)
	}
}
