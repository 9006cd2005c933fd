package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/usbcap/config"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/pkg/prof"
	"github.com/ardnew/usbcap/stream"
	"github.com/ardnew/usbcap/uvc"
)

var (
	frameCount int
	outDir     string
	readDepth  int
)

const shutdownTimeout = 10 * time.Second

// session carries the process-wide collaborators of a capture run.
type session struct {
	cfg     config.Config
	reg     *prometheus.Registry
	metrics *stream.Metrics
	bus     *stream.EventBus
	server  *http.Server
	watcher *config.Watcher
	unsub   []func()
}

func newSession(c config.Config) (*session, error) {
	if cpuProfile != "" {
		if err := prof.StartCPU(cpuProfile); err != nil {
			return nil, fmt.Errorf("could not start cpu profile: %w", err)
		}
		prof.SetContention(1)
	}

	s := &session{
		cfg: c,
		reg: prometheus.NewRegistry(),
		bus: stream.NewEventBus(),
	}
	s.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = stream.NewMetrics(s.reg)

	s.unsub = append(s.unsub,
		stream.Subscribe(s.bus, func(e stream.ChannelStateEvent) {
			pkg.LogDebug(pkg.ComponentCapture, "channel state", "device", e.Device, "channel", e.Channel, "stream", e.Stream, "state", e.State)
		}),
		stream.Subscribe(s.bus, func(e stream.StreamFaultEvent) {
			pkg.LogWarn(pkg.ComponentCapture, "stream fault", "device", e.Device, "channel", e.Channel, "pipe", e.Pipe, "status", e.Status)
		}),
		stream.Subscribe(s.bus, func(e stream.ResetEvent) {
			pkg.LogInfo(pkg.ComponentCapture, "stream reset", "device", e.Device, "channel", e.Channel, "result", e.Result, "error", e.Err)
		}),
		stream.Subscribe(s.bus, func(e stream.DeviceRemovedEvent) {
			pkg.LogError(pkg.ComponentCapture, "device removed", "device", e.Device)
		}),
	)

	if c.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
		prof.Register(mux)
		s.server = &http.Server{Addr: c.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				pkg.LogError(pkg.ComponentCapture, "metrics server failed", "addr", c.Metrics.Addr, "error", err)
			}
		}()
		pkg.LogInfo(pkg.ComponentCapture, "serving metrics", "addr", c.Metrics.Addr)
	}

	if _, err := os.Stat(configPath); err == nil {
		s.watcher = config.NewWatcher(configPath)
		s.watcher.OnReload(func(next config.Config) {
			if err := pkg.Configure(next.Log.Level, next.Log.Format); err != nil {
				pkg.LogWarn(pkg.ComponentCapture, "ignoring log settings", "error", err)
			}
		})
		if err := s.watcher.Start(); err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "config watcher disabled", "path", configPath, "error", err)
			s.watcher = nil
		}
	}
	return s, nil
}

// attach wires metrics and events into a device.
func (s *session) attach(dev *stream.Device) {
	dev.SetMetrics(s.metrics)
	dev.SetEventBus(s.bus)
}

func (s *session) close() {
	for _, fn := range s.unsub {
		fn()
	}
	prof.StopCPU()
	if heapProfile != "" {
		if err := prof.Write("heap", heapProfile); err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "heap profile failed", "path", heapProfile, "error", err)
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "metrics server shutdown failed", "addr", s.cfg.Metrics.Addr, "error", err)
		}
	}
}

// newFinalizer returns the finalizer named by the configuration.
func newFinalizer(name string) stream.Finalizer {
	if name == "mjpeg" {
		return uvc.MJPEGFinalizer{}
	}
	return uvc.CopyFinalizer{}
}

// videoProbe builds the requested probe parameters.
func videoProbe(f config.Format) uvc.Probe {
	return uvc.Probe{
		Hint:          uvc.HintFrameInterval,
		FormatIndex:   uint8(f.FormatIndex),
		FrameIndex:    uint8(f.FrameIndex),
		FrameInterval: uint32(time.Duration(f.FrameInterval) / (100 * time.Nanosecond)),
	}
}

// frameSink writes completed frames to a directory, or discards them.
type frameSink struct {
	dir string
	ext string
}

func newFrameSink(dir, finalizer string) (*frameSink, error) {
	s := &frameSink{dir: dir, ext: "raw"}
	if finalizer == "mjpeg" {
		s.ext = "jpg"
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create output directory: %w", err)
		}
	}
	return s, nil
}

func (s *frameSink) write(seq uint64, frame []byte) error {
	if s.dir == "" {
		return nil
	}
	name := filepath.Join(s.dir, fmt.Sprintf("frame-%06d.%s", seq, s.ext))
	return os.WriteFile(name, frame, 0o644)
}

// captureStats summarizes a capture run.
type captureStats struct {
	completed int
	failed    int
	bytes     int
}

// readFrames keeps depth requests outstanding on a started channel and
// hands every successful frame to the sink until count frames have been
// written (0 for no limit) or ctx ends.
func readFrames(ctx context.Context, dev *stream.Device, id stream.ChannelID, frameLength, depth, count int, sink *frameSink) (captureStats, error) {
	var stats captureStats
	if depth < 1 {
		depth = 1
	}

	type outstanding struct {
		req *stream.FrameRequest
		buf []byte
	}
	var queue []outstanding
	submit := func() error {
		buf := make([]byte, frameLength)
		req, err := dev.SubmitRead(id, buf)
		if err != nil {
			return err
		}
		queue = append(queue, outstanding{req, buf})
		return nil
	}
	for range depth {
		if err := submit(); err != nil {
			return stats, err
		}
	}

	for count == 0 || stats.completed < count {
		head := queue[0]
		c, err := head.req.Wait(ctx)
		if err != nil {
			return stats, nil
		}
		queue = queue[1:]

		if c.Status != pkg.TransferStatusSuccess {
			stats.failed++
			pkg.LogInfo(pkg.ComponentCapture, "frame failed", "status", c.Status, "error", c.Err)
			if c.Status == pkg.TransferStatusCancelled || c.Status == pkg.TransferStatusNoDevice {
				return stats, c.Err
			}
		} else {
			stats.completed++
			stats.bytes += c.N
			if c.Truncated {
				pkg.LogWarn(pkg.ComponentCapture, "frame truncated", "sequence", c.Sequence, "bytes", c.N)
			}
			if err := sink.write(c.Sequence, head.buf[:c.N]); err != nil {
				return stats, err
			}
			pkg.LogDebug(pkg.ComponentCapture, "frame", "sequence", c.Sequence, "bytes", c.N)
		}

		if err := submit(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// runChannel opens, prepares and starts a channel for format, reads frames
// and tears the channel down again.
func runChannel(ctx context.Context, dev *stream.Device, format stream.Format, sink *frameSink) (captureStats, error) {
	id, err := dev.Open(format)
	if err != nil {
		return captureStats{}, fmt.Errorf("could not open channel: %w", err)
	}
	if err := dev.Prepare(ctx, id); err != nil {
		closeChannel(dev, id)
		return captureStats{}, fmt.Errorf("could not prepare channel: %w", err)
	}
	if err := dev.Start(ctx, id); err != nil {
		closeChannel(dev, id)
		return captureStats{}, fmt.Errorf("could not start channel: %w", err)
	}

	frameLength := format.FrameLength
	if st, err := dev.Stats(id); err == nil && st.FrameLength > 0 {
		frameLength = st.FrameLength
	}
	stats, err := readFrames(ctx, dev, id, frameLength, readDepth, frameCount, sink)

	down, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := dev.Stop(down, id); serr != nil {
		pkg.LogWarn(pkg.ComponentCapture, "stop failed", "channel", id, "error", serr)
	}
	if st, serr := dev.Stats(id); serr == nil {
		pkg.LogInfo(pkg.ComponentCapture, "channel summary", "frames", st.Frames, "lost", st.Lost, "dropped", st.Dropped, "faults", st.Faults, "resets", st.Resets)
	}
	if cerr := dev.CloseChannel(down, id); cerr != nil {
		pkg.LogWarn(pkg.ComponentCapture, "close failed", "channel", id, "error", cerr)
	}
	return stats, err
}

// closeChannel releases a channel that never started.
func closeChannel(dev *stream.Device, id stream.ChannelID) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dev.CloseChannel(ctx, id); err != nil {
		pkg.LogWarn(pkg.ComponentCapture, "close failed", "channel", id, "error", err)
	}
}
