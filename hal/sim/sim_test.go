package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
)

func testTransport() *Transport {
	return New(
		hal.PipeInfo{Endpoint: 0x81, Type: hal.PipeIsochronous, MaxPacketSize: 8},
		hal.PipeInfo{Endpoint: 0x82, Type: hal.PipeBulk, MaxPacketSize: 64},
		hal.PipeInfo{Endpoint: 0x83, Type: hal.PipeInterrupt, MaxPacketSize: 8},
	)
}

func isoTransfer(pipe, packets, size int, done chan *hal.IsoTransfer) *hal.IsoTransfer {
	x := &hal.IsoTransfer{
		Pipe:     pipe,
		Buffer:   make([]byte, packets*size),
		Packets:  make([]hal.IsoPacket, packets),
		ASAP:     true,
		Complete: func(x *hal.IsoTransfer) { done <- x },
	}
	for i := range x.Packets {
		x.Packets[i].Offset = i * size
		x.Packets[i].Length = size
	}
	return x
}

func bulkTransfer(pipe, size int, done chan *hal.BulkTransfer) *hal.BulkTransfer {
	return &hal.BulkTransfer{
		Pipe:     pipe,
		Buffer:   make([]byte, size),
		Complete: func(x *hal.BulkTransfer) { done <- x },
	}
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

func TestNew_ReindexesPipes(t *testing.T) {
	tr := New(
		hal.PipeInfo{Index: 9, Endpoint: 0x81, Type: hal.PipeBulk},
		hal.PipeInfo{Index: 9, Endpoint: 0x82, Type: hal.PipeBulk},
	)
	defer tr.Close()

	for i, p := range tr.Pipes() {
		if p.Index != i {
			t.Errorf("Pipes()[%d].Index = %d", i, p.Index)
		}
	}
}

func TestTransport_IsoDelivery(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	done := make(chan *hal.IsoTransfer, 4)

	a := isoTransfer(0, 3, 8, done)
	b := isoTransfer(0, 3, 8, done)
	if err := tr.SubmitIso(a); err != nil {
		t.Fatalf("SubmitIso() error = %v", err)
	}
	if err := tr.SubmitIso(b); err != nil {
		t.Fatalf("SubmitIso() error = %v", err)
	}
	if n := tr.InFlight(0); n != 2 {
		t.Errorf("InFlight() = %d, want 2", n)
	}

	tr.Feed(0, []byte("one"), []byte("two"), []byte("three-is-long"), []byte("four"))

	x := recv(t, done)
	if x != a {
		t.Fatal("first completion is not the first submission")
	}
	if got := string(x.PacketData(0)); got != "one" {
		t.Errorf("packet 0 = %q, want %q", got, "one")
	}
	if x.Packets[2].Status != pkg.TransferStatusOverrun || x.Packets[2].ActualLength != 8 {
		t.Errorf("packet 2 = %+v, want overrun with 8 bytes", x.Packets[2])
	}

	y := recv(t, done)
	if y != b || string(y.PacketData(0)) != "four" || y.Packets[1].ActualLength != 0 {
		t.Errorf("second completion packets = %+v", y.Packets)
	}
	if n := tr.InFlight(0); n != 0 {
		t.Errorf("InFlight() = %d, want 0", n)
	}
}

func TestTransport_Tick(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	done := make(chan *hal.IsoTransfer, 4)

	for range 2 {
		if err := tr.SubmitIso(isoTransfer(0, 2, 8, done)); err != nil {
			t.Fatalf("SubmitIso() error = %v", err)
		}
	}
	tr.Tick(0)

	for range 2 {
		x := recv(t, done)
		if x.Status != pkg.TransferStatusSuccess || x.ActualLength() != 0 {
			t.Errorf("ticked transfer status %v length %d, want success 0", x.Status, x.ActualLength())
		}
	}
	if n := tr.Pending(0); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestTransport_BulkDelivery(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	done := make(chan *hal.BulkTransfer, 4)

	tr.Feed(1, []byte("0123456789"))
	if err := tr.SubmitBulk(bulkTransfer(1, 4, done)); err != nil {
		t.Fatalf("SubmitBulk() error = %v", err)
	}
	if x := recv(t, done); x.Actual != 4 || string(x.Buffer) != "0123" {
		t.Errorf("first chunk = %q (%d)", x.Buffer[:x.Actual], x.Actual)
	}
	if err := tr.SubmitBulk(bulkTransfer(1, 16, done)); err != nil {
		t.Fatalf("SubmitBulk() error = %v", err)
	}
	if x := recv(t, done); x.Actual != 6 || string(x.Buffer[:6]) != "456789" {
		t.Errorf("remainder = %q (%d)", x.Buffer[:x.Actual], x.Actual)
	}
	if subs := tr.Submissions(1); len(subs) != 2 || subs[0] != 4 || subs[1] != 16 {
		t.Errorf("Submissions() = %v, want [4 16]", subs)
	}
}

func TestTransport_PipeTypeChecks(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	iso := make(chan *hal.IsoTransfer, 1)
	bulk := make(chan *hal.BulkTransfer, 1)

	if err := tr.SubmitIso(isoTransfer(1, 1, 8, iso)); !errors.Is(err, pkg.ErrInvalidPipe) {
		t.Errorf("SubmitIso(bulk pipe) error = %v, want %v", err, pkg.ErrInvalidPipe)
	}
	if err := tr.SubmitBulk(bulkTransfer(0, 8, bulk)); !errors.Is(err, pkg.ErrInvalidPipe) {
		t.Errorf("SubmitBulk(iso pipe) error = %v, want %v", err, pkg.ErrInvalidPipe)
	}
	if err := tr.SubmitBulk(bulkTransfer(2, 8, bulk)); err != nil {
		t.Errorf("SubmitBulk(interrupt pipe) error = %v", err)
	}
	if err := tr.AbortPipe(7); !errors.Is(err, pkg.ErrInvalidPipe) {
		t.Errorf("AbortPipe(7) error = %v, want %v", err, pkg.ErrInvalidPipe)
	}
}

func TestTransport_FaultAndAbort(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	done := make(chan *hal.BulkTransfer, 4)

	tr.SubmitBulk(bulkTransfer(1, 8, done))
	tr.Fail(1, pkg.TransferStatusStall)
	if x := recv(t, done); x.Status != pkg.TransferStatusStall {
		t.Errorf("status = %v, want %v", x.Status, pkg.TransferStatusStall)
	}

	tr.SubmitBulk(bulkTransfer(1, 8, done))
	tr.SubmitBulk(bulkTransfer(1, 8, done))
	if err := tr.AbortPipe(1); err != nil {
		t.Fatalf("AbortPipe() error = %v", err)
	}
	for range 2 {
		if x := recv(t, done); x.Status != pkg.TransferStatusCancelled {
			t.Errorf("status = %v, want %v", x.Status, pkg.TransferStatusCancelled)
		}
	}
	if n := tr.Aborts(1); n != 1 {
		t.Errorf("Aborts() = %d, want 1", n)
	}
}

func TestTransport_ResetPipe(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	ctx := context.Background()

	tr.FailReset(0, pkg.ErrStall)
	if err := tr.ResetPipe(ctx, 0); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("ResetPipe() error = %v, want %v", err, pkg.ErrStall)
	}
	if err := tr.ResetPipe(ctx, 0); err != nil {
		t.Errorf("ResetPipe(again) error = %v", err)
	}
	if n := tr.Resets(0); n != 2 {
		t.Errorf("Resets() = %d, want 2", n)
	}
}

func TestTransport_Disconnect(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	ctx := context.Background()
	done := make(chan *hal.IsoTransfer, 1)

	tr.SubmitIso(isoTransfer(0, 1, 8, done))
	tr.Disconnect()

	if x := recv(t, done); x.Status != pkg.TransferStatusNoDevice {
		t.Errorf("status = %v, want %v", x.Status, pkg.TransferStatusNoDevice)
	}
	if tr.PortConnected(ctx) {
		t.Error("PortConnected() = true after Disconnect")
	}
	if err := tr.SubmitIso(isoTransfer(0, 1, 8, done)); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("SubmitIso() error = %v, want %v", err, pkg.ErrNoDevice)
	}
	if err := tr.ResetPipe(ctx, 0); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ResetPipe() error = %v, want %v", err, pkg.ErrNoDevice)
	}
	if err := tr.SetInterface(ctx, 1, 1); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("SetInterface() error = %v, want %v", err, pkg.ErrNoDevice)
	}
}

func TestTransport_ControlAndInterface(t *testing.T) {
	tr := testTransport()
	defer tr.Close()
	ctx := context.Background()

	setup := hal.SetupPacket{RequestType: hal.RequestTypeStandardDeviceIn, Request: hal.RequestGetStatus, Length: 2}
	data := []byte{0xFF, 0xFF, 0xFF}
	n, err := tr.Control(ctx, &setup, data)
	if err != nil || n != 2 || data[0] != 0 || data[1] != 0 || data[2] != 0xFF {
		t.Errorf("Control() = %d, %v, data %v", n, err, data)
	}

	if err := tr.SetInterface(ctx, 1, 4); err != nil {
		t.Fatalf("SetInterface() error = %v", err)
	}
	if alt := tr.Alternate(1); alt != 4 {
		t.Errorf("Alternate(1) = %d, want 4", alt)
	}
	if got := tr.Controls(); len(got) != 1 || got[0].Request != hal.RequestGetStatus {
		t.Errorf("Controls() = %+v", got)
	}
}

func TestTransport_Close(t *testing.T) {
	tr := testTransport()
	done := make(chan *hal.BulkTransfer, 1)
	tr.SubmitBulk(bulkTransfer(1, 8, done))

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if x := recv(t, done); x.Status != pkg.TransferStatusCancelled {
		t.Errorf("status = %v, want %v", x.Status, pkg.TransferStatusCancelled)
	}
	if err := tr.SubmitBulk(bulkTransfer(1, 8, done)); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("SubmitBulk(closed) error = %v, want %v", err, pkg.ErrNotRunning)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close(again) error = %v", err)
	}
}
