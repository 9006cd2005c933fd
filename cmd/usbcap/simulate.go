package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/hal/sim"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/stream"
	"github.com/ardnew/usbcap/uvc"
)

const defaultSimInterval = 33 * time.Millisecond

var (
	simInterval   time.Duration
	simLoss       float64
	simPacketSize int
	simSeed       uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Capture from a simulated UVC camera",
	Long: `Runs the capture engine against an in-memory transport that produces
UVC payloads at a fixed frame period. Useful for exercising the engine,
metrics and output without hardware.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return simulate(ctx)
	},
}

// camera generates UVC payload streams for a simulated device.
type camera struct {
	frameLength int
	packetSize  int
	loss        float64
	mjpeg       bool
	rng         *rand.Rand

	fid   uint8
	count int
}

// frame returns the payloads of the next frame. Each payload carries a
// two-byte header; the last one sets the end-of-frame bit.
func (c *camera) frame() [][]byte {
	data := make([]byte, c.frameLength)
	for i := range data {
		data[i] = byte(c.count + i)
	}
	if c.mjpeg && len(data) >= 4 {
		data[0], data[1] = 0xFF, 0xD8
		data[len(data)-2], data[len(data)-1] = 0xFF, 0xD9
	}
	c.count++

	chunk := c.packetSize - uvc.HeaderMinLength
	var payloads [][]byte
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		info := c.fid | uvc.HeaderEOH
		if end == len(data) {
			info |= uvc.HeaderEOF
		}
		if c.loss > 0 && c.rng.Float64() < c.loss {
			info |= uvc.HeaderERR
		}
		p := make([]byte, 0, uvc.HeaderMinLength+end-off)
		p = append(p, uvc.HeaderMinLength, info)
		payloads = append(payloads, append(p, data[off:end]...))
	}
	c.fid ^= uvc.HeaderFID
	return payloads
}

func simulate(ctx context.Context) error {
	c := cfg
	if c.Device.Alt == 0 {
		// Alternate setting 0 carries no isochronous bandwidth.
		c.Device.Alt = 1
	}
	if simPacketSize <= uvc.HeaderMinLength {
		return fmt.Errorf("%w: packet size %d", pkg.ErrInvalidParameter, simPacketSize)
	}

	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.close()

	ep, err := c.Format.EndpointAddress()
	if err != nil {
		return err
	}
	t := sim.New(hal.PipeInfo{
		Endpoint:        ep,
		Type:            hal.PipeIsochronous,
		MaxPacketSize:   simPacketSize,
		MaxTransferSize: simPacketSize,
		Interval:        1,
	})
	defer t.Close()

	control := uvc.NewControl(t, uvc.ControlOptions{Video: videoProbe(c.Format)})
	dev, err := stream.NewDevice(t, control, uvc.Classifier{}, newFinalizer(c.Format.Finalizer), c.Stream())
	if err != nil {
		return err
	}
	s.attach(dev)
	defer func() {
		down, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := dev.Close(down); err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "device close failed", "error", err)
		}
	}()

	format, err := c.StreamFormat(dev.Pipes())
	if err != nil {
		return err
	}
	sink, err := newFrameSink(outDir, c.Format.Finalizer)
	if err != nil {
		return err
	}

	cam := &camera{
		frameLength: c.Format.FrameLength,
		packetSize:  simPacketSize,
		loss:        simLoss,
		mjpeg:       c.Format.Finalizer == "mjpeg",
		rng:         rand.New(rand.NewPCG(simSeed, simSeed^0x9e3779b97f4a7c15)),
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(simInterval)
		defer ticker.Stop()
		for {
			select {
			case <-genCtx.Done():
				return
			case <-ticker.C:
				t.Feed(format.Pipe, cam.frame()...)
			}
		}
	}()

	pkg.LogInfo(pkg.ComponentCapture, "simulating", "device", dev.ID(), "interval", simInterval, "loss", simLoss, "frame_length", cam.frameLength)
	stats, err := runChannel(ctx, dev, format, sink)
	cancel()
	fmt.Printf("captured %d frames (%d bytes), %d failed\n", stats.completed, stats.bytes, stats.failed)
	return err
}
