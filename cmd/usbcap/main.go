// Command usbcap captures frames from USB video devices.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbcap/config"
	"github.com/ardnew/usbcap/pkg"
)

var rootCmd = &cobra.Command{
	Use:   "usbcap",
	Short: "usbcap streams frames from USB video capture devices",
	Long: `Keeps isochronous or bulk transfers continuously in flight against a
UVC streaming interface, reassembles payloads into frames and writes each
completed frame to disk.

Configuration is read from a TOML file, then USBCAP_* environment
variables, then command line flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	configPath  string
	cpuProfile  string
	heapProfile string
	cfg         config.Config
)

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Configuration file")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&cpuProfile, "cpu-profile", "", "Write a CPU profile (profile builds only)")
	rootCmd.PersistentFlags().StringVar(&heapProfile, "heap-profile", "", "Write a heap profile on exit (profile builds only)")

	addFormatFlags(captureCmd)
	captureCmd.Flags().String("vid", "", "Vendor ID (hex)")
	captureCmd.Flags().String("pid", "", "Product ID (hex)")
	captureCmd.Flags().Int("interface", 1, "Video streaming interface number")
	captureCmd.Flags().Int("alt", 0, "Streaming alternate setting (0 for bulk devices)")
	captureCmd.Flags().String("endpoint", "0x81", "Video data endpoint address")

	addFormatFlags(simulateCmd)
	simulateCmd.Flags().DurationVar(&simInterval, "interval", defaultSimInterval, "Frame period of the simulated device")
	simulateCmd.Flags().Float64Var(&simLoss, "loss", 0, "Probability that a payload carries the error bit")
	simulateCmd.Flags().IntVar(&simPacketSize, "packet-size", 1024, "Isochronous packet size of the simulated device")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "Seed for loss injection")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addFormatFlags(cmd *cobra.Command) {
	cmd.Flags().Int("frame-length", 0, "Raw frame capacity in bytes (default from configuration)")
	cmd.Flags().String("finalizer", "copy", "Frame finalizer (copy, mjpeg)")
	cmd.Flags().IntVarP(&frameCount, "frames", "n", 30, "Frames to capture, 0 to run until interrupted")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to write frames to (default: discard)")
	cmd.Flags().IntVar(&readDepth, "depth", 2, "Frame requests kept outstanding")
}

// loadConfig resolves the configuration for every subcommand and applies
// its logging settings.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Resolve(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := pkg.Configure(c.Log.Level, c.Log.Format); err != nil {
		return err
	}
	cfg = c
	return nil
}
