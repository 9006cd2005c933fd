package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"
	"github.com/spf13/cobra"

	"github.com/ardnew/usbcap/hal/libusb"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/stream"
	"github.com/ardnew/usbcap/usbid"
	"github.com/ardnew/usbcap/uvc"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames from a UVC device",
	Long: `Opens the device selected by --vid/--pid, negotiates the configured
format on its video streaming interface and captures frames until --frames
have completed or the process is interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return capture(ctx)
	},
}

func capture(ctx context.Context) error {
	vid, pid, err := cfg.Device.IDs()
	if err != nil {
		return err
	}

	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	usb := gousb.NewContext()
	defer usb.Close()

	// The streaming alternate setting is claimed up front so its endpoints
	// are in the pipe table when the channel is opened.
	t, err := libusb.Open(usb, libusb.Options{
		VID:             gousb.ID(vid),
		PID:             gousb.ID(pid),
		Config:          cfg.Device.Config,
		Interface:       cfg.Device.Interface,
		Alternate:       cfg.Device.Alt,
		MaxTransferSize: cfg.Device.MaxTransferSize,
	})
	if err != nil {
		return fmt.Errorf("could not open device %04x:%04x: %w", vid, pid, err)
	}
	defer t.Close()

	control := uvc.NewControl(t, uvc.ControlOptions{Video: videoProbe(cfg.Format)})
	dev, err := stream.NewDevice(t, control, uvc.Classifier{}, newFinalizer(cfg.Format.Finalizer), cfg.Stream())
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

	format, err := cfg.StreamFormat(dev.Pipes())
	if err != nil {
		return err
	}
	sink, err := newFrameSink(outDir, cfg.Format.Finalizer)
	if err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentCapture, "capturing", "device", dev.ID(), "vid", vid, "pid", pid, "name", deviceName(vid, pid), "interface", format.Interface, "alt", format.AltSetting)
	stats, err := runChannel(ctx, dev, format, sink)
	fmt.Printf("captured %d frames (%d bytes), %d failed\n", stats.completed, stats.bytes, stats.failed)
	if p := control.Committed(); p.MaxVideoFrameSize != 0 {
		pkg.LogInfo(pkg.ComponentCapture, "committed format", "format", p.FormatIndex, "frame", p.FrameIndex, "interval", p.FrameInterval, "max_frame", p.MaxVideoFrameSize)
	}
	return err
}

// deviceName names vid:pid from the usb.ids database, if one is installed.
func deviceName(vid, pid uint16) string {
	db, err := usbid.Open()
	if err != nil {
		pkg.LogDebug(pkg.ComponentCapture, "no usb id database", "error", err)
	}
	if name := db.Lookup(vid, pid).String(); name != "" {
		return name
	}
	return fmt.Sprintf("%04x:%04x", vid, pid)
}
