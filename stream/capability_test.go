package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbcap/pkg"
)

func TestStreamKind_String(t *testing.T) {
	tests := []struct {
		kind StreamKind
		want string
	}{
		{StreamVideo, "video"},
		{StreamStill, "still"},
		{StreamKind(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("StreamKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestSelectControl(t *testing.T) {
	ctx := context.Background()
	format := Format{Stream: StreamVideo, FrameLength: 321}

	legacy := selectControl(newCaptureRecorder())
	if _, ok := legacy.(legacyControl); !ok {
		t.Fatalf("selectControl(legacy) = %T, want legacyControl", legacy)
	}
	if n, err := legacy.AllocateBandwidth(ctx, StreamVideo, format); err != nil || n != 321 {
		t.Errorf("AllocateBandwidth() = %d, %v, want 321, nil", n, err)
	}
	if err := legacy.FreeBandwidth(ctx, StreamVideo); err != nil {
		t.Errorf("FreeBandwidth() error = %v", err)
	}

	bw := &bandwidthRecorder{captureRecorder: newCaptureRecorder(), frameLength: 77}
	sel := selectControl(bw)
	if sel != BandwidthControl(bw) {
		t.Fatalf("selectControl(bandwidth) = %T, want the control itself", sel)
	}
	if n, _ := sel.AllocateBandwidth(ctx, StreamVideo, format); n != 77 {
		t.Errorf("AllocateBandwidth() = %d, want 77", n)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"zero resubmit delay", func(c *Config) { c.ResubmitDelay = 0 }, true},
		{"no slots", func(c *Config) { c.PoolSize = 0 }, false},
		{"no packets", func(c *Config) { c.PacketsPerSlot = 0 }, false},
		{"negative delay", func(c *Config) { c.ResubmitDelay = -time.Millisecond }, false},
		{"no watchdog", func(c *Config) { c.StillWatchdog = 0 }, false},
		{"no stop timeout", func(c *Config) { c.StopTimeout = 0 }, false},
		{"no workers", func(c *Config) { c.Workers = 0 }, false},
		{"no queue", func(c *Config) { c.QueueDepth = 0 }, false},
		{"no channels", func(c *Config) { c.MaxChannels = 0 }, false},
		{"no frame bytes", func(c *Config) { c.MaxFrameBytes = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want %v", err, pkg.ErrInvalidParameter)
			}
		})
	}
}

func TestConfig_WatchdogInterval(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.watchdogInterval(StreamVideo); got != cfg.VideoWatchdog {
		t.Errorf("watchdogInterval(video) = %v, want %v", got, cfg.VideoWatchdog)
	}
	if got := cfg.watchdogInterval(StreamStill); got != cfg.StillWatchdog {
		t.Errorf("watchdogInterval(still) = %v, want %v", got, cfg.StillWatchdog)
	}
}

func TestExecContext(t *testing.T) {
	if InterruptContext.CanBlock() {
		t.Error("InterruptContext.CanBlock() = true")
	}
	if !WorkerContext.CanBlock() {
		t.Error("WorkerContext.CanBlock() = false")
	}
	if got := InterruptContext.String(); got != "interrupt" {
		t.Errorf("InterruptContext.String() = %q", got)
	}
	if got := ExecContext(7).String(); got != "unknown" {
		t.Errorf("ExecContext(7).String() = %q", got)
	}
	if err := requireBlocking(InterruptContext, "stop"); !errors.Is(err, pkg.ErrWouldBlock) {
		t.Errorf("requireBlocking(interrupt) error = %v, want %v", err, pkg.ErrWouldBlock)
	}
	if err := requireBlocking(WorkerContext, "stop"); err != nil {
		t.Errorf("requireBlocking(worker) error = %v", err)
	}
}

func TestChannel_Flags(t *testing.T) {
	ch := newChannel(0, videoFormat(pipeIso, 64), 0)

	if !ch.setFlags(flagStreamError) {
		t.Error("setFlags() = false for a new bit")
	}
	if ch.setFlags(flagStreamError) {
		t.Error("setFlags() = true for a latched bit")
	}
	if !ch.setFlags(flagStreamError | flagTimeoutWait) {
		t.Error("setFlags() = false with one new bit")
	}
	ch.clearFlags(flagStreamError)
	if ch.hasFlags(flagStreamError) || !ch.hasFlags(flagTimeoutWait) {
		t.Errorf("flags = %#x, want only timeout wait", ch.flags.Load())
	}
}

func TestChannel_WaitFlagsClear(t *testing.T) {
	ch := newChannel(0, videoFormat(pipeIso, 64), 0)
	ch.setFlags(flagStopRequested)

	go func() {
		time.Sleep(5 * time.Millisecond)
		ch.clearFlags(flagStopRequested)
		ch.signalDrained()
	}()
	if err := ch.waitFlagsClear(context.Background(), flagStopRequested, time.Second); err != nil {
		t.Errorf("waitFlagsClear() error = %v", err)
	}

	ch.setFlags(flagTimeoutWait)
	err := ch.waitFlagsClear(context.Background(), flagTimeoutWait, 5*time.Millisecond)
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("waitFlagsClear() error = %v, want %v", err, pkg.ErrTimeout)
	}
}

func TestEventBus_NilSafe(t *testing.T) {
	var b *EventBus
	b.Publish(DeviceRemovedEvent{Device: "x"})
}

func TestEventBus_Types(t *testing.T) {
	tests := []struct {
		ev   Event
		want uint32
	}{
		{ChannelStateEvent{}, TypeChannelState},
		{StreamFaultEvent{}, TypeStreamFault},
		{ResetEvent{}, TypeReset},
		{DeviceRemovedEvent{}, TypeDeviceRemoved},
	}
	for _, tt := range tests {
		if got := tt.ev.Type(); got != tt.want {
			t.Errorf("%T.Type() = %d, want %d", tt.ev, got, tt.want)
		}
	}
}
