// Package config loads usbcap configuration with the precedence
// CLI flags > environment (USBCAP_*) > TOML file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/stream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "USBCAP_"

// Duration is a time.Duration that reads and writes as a Go duration
// string ("250ms", "5s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the complete usbcap configuration.
type Config struct {
	Log     Log     `toml:"log"`
	Metrics Metrics `toml:"metrics"`
	Device  Device  `toml:"device"`
	Format  Format  `toml:"format"`
	Engine  Engine  `toml:"engine"`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level" env:"LOG_LEVEL" flag:"log-level"`
	Format string `toml:"format" env:"LOG_FORMAT" flag:"log-format"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Addr string `toml:"addr" env:"METRICS_ADDR" flag:"metrics-addr"`
}

// Device selects the USB device and streaming interface.
type Device struct {
	VID             string `toml:"vid" env:"DEVICE_VID" flag:"vid"`
	PID             string `toml:"pid" env:"DEVICE_PID" flag:"pid"`
	Config          int    `toml:"config" env:"DEVICE_CONFIG"`
	Interface       int    `toml:"interface" env:"DEVICE_INTERFACE" flag:"interface"`
	Alt             int    `toml:"alt" env:"DEVICE_ALT" flag:"alt"`
	MaxTransferSize int    `toml:"max_transfer_size" env:"DEVICE_MAX_TRANSFER_SIZE"`
}

// Format describes the captured stream.
type Format struct {
	Stream      string `toml:"stream" env:"FORMAT_STREAM"`
	Endpoint    string `toml:"endpoint" env:"FORMAT_ENDPOINT" flag:"endpoint"`
	FrameLength int    `toml:"frame_length" env:"FORMAT_FRAME_LENGTH" flag:"frame-length"`
	Finalizer   string `toml:"finalizer" env:"FORMAT_FINALIZER" flag:"finalizer"`

	// Probe parameters for UVC negotiation.
	FormatIndex   int      `toml:"format_index" env:"FORMAT_INDEX"`
	FrameIndex    int      `toml:"frame_index" env:"FORMAT_FRAME_INDEX"`
	FrameInterval Duration `toml:"frame_interval" env:"FORMAT_FRAME_INTERVAL"`
}

// Engine mirrors stream.Config.
type Engine struct {
	PoolSize       int      `toml:"pool_size" env:"ENGINE_POOL_SIZE"`
	PacketsPerSlot int      `toml:"packets_per_slot" env:"ENGINE_PACKETS_PER_SLOT"`
	ResubmitDelay  Duration `toml:"resubmit_delay" env:"ENGINE_RESUBMIT_DELAY"`
	VideoWatchdog  Duration `toml:"video_watchdog" env:"ENGINE_VIDEO_WATCHDOG"`
	StillWatchdog  Duration `toml:"still_watchdog" env:"ENGINE_STILL_WATCHDOG"`
	ResetTimeout   Duration `toml:"reset_timeout" env:"ENGINE_RESET_TIMEOUT"`
	StopTimeout    Duration `toml:"stop_timeout" env:"ENGINE_STOP_TIMEOUT"`
	CancelTimeout  Duration `toml:"cancel_timeout" env:"ENGINE_CANCEL_TIMEOUT"`
	Workers        int      `toml:"workers" env:"ENGINE_WORKERS"`
	QueueDepth     int      `toml:"queue_depth" env:"ENGINE_QUEUE_DEPTH"`
	MaxChannels    int      `toml:"max_channels" env:"ENGINE_MAX_CHANNELS"`
	MaxFrameBytes  int      `toml:"max_frame_bytes" env:"ENGINE_MAX_FRAME_BYTES"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := stream.DefaultConfig()
	return Config{
		Log:    Log{Level: "warn", Format: "text"},
		Device: Device{Interface: 1},
		Format: Format{
			Stream:        "video",
			Endpoint:      "0x81",
			FrameLength:   640 * 480 * 2,
			Finalizer:     "copy",
			FormatIndex:   1,
			FrameIndex:    1,
			FrameInterval: Duration(33333300 * time.Nanosecond),
		},
		Engine: Engine{
			PoolSize:       sc.PoolSize,
			PacketsPerSlot: sc.PacketsPerSlot,
			ResubmitDelay:  Duration(sc.ResubmitDelay),
			VideoWatchdog:  Duration(sc.VideoWatchdog),
			StillWatchdog:  Duration(sc.StillWatchdog),
			ResetTimeout:   Duration(sc.ResetTimeout),
			StopTimeout:    Duration(sc.StopTimeout),
			CancelTimeout:  Duration(sc.CancelTimeout),
			Workers:        sc.Workers,
			QueueDepth:     sc.QueueDepth,
			MaxChannels:    sc.MaxChannels,
			MaxFrameBytes:  sc.MaxFrameBytes,
		},
	}
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "usbcap", "config.toml")
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error; unknown keys are.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, fmt.Errorf("%w: %s:%d:%d: %v", pkg.ErrInvalidParameter, path, row, col, derr)
		}
		return cfg, fmt.Errorf("%w: %s: %v", pkg.ErrInvalidParameter, path, err)
	}
	return cfg, nil
}

// Resolve loads path and applies environment and flag overrides in order.
// flags may be nil.
func Resolve(path string, flags *pflag.FlagSet) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if flags != nil {
		if err := ApplyFlags(&cfg, flags); err != nil {
			return cfg, err
		}
	}
	pkg.LogDebug(pkg.ComponentConfig, "configuration resolved", "path", path)
	return cfg, nil
}

// Write encodes the configuration as TOML.
func (c Config) Write(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Stream converts the engine section to a stream.Config.
func (c Config) Stream() stream.Config {
	e := c.Engine
	return stream.Config{
		PoolSize:       e.PoolSize,
		PacketsPerSlot: e.PacketsPerSlot,
		ResubmitDelay:  time.Duration(e.ResubmitDelay),
		VideoWatchdog:  time.Duration(e.VideoWatchdog),
		StillWatchdog:  time.Duration(e.StillWatchdog),
		ResetTimeout:   time.Duration(e.ResetTimeout),
		StopTimeout:    time.Duration(e.StopTimeout),
		CancelTimeout:  time.Duration(e.CancelTimeout),
		Workers:        e.Workers,
		QueueDepth:     e.QueueDepth,
		MaxChannels:    e.MaxChannels,
		MaxFrameBytes:  e.MaxFrameBytes,
	}
}

// IDs parses the device vendor and product IDs.
func (d Device) IDs() (vid, pid uint16, err error) {
	if vid, err = parseHex16(d.VID); err != nil {
		return 0, 0, fmt.Errorf("%w: vid %q", pkg.ErrInvalidParameter, d.VID)
	}
	if pid, err = parseHex16(d.PID); err != nil {
		return 0, 0, fmt.Errorf("%w: pid %q", pkg.ErrInvalidParameter, d.PID)
	}
	return vid, pid, nil
}

// EndpointAddress parses the data endpoint address.
func (f Format) EndpointAddress() (uint8, error) {
	v, err := parseHex16(f.Endpoint)
	if err != nil || v > 0xFF {
		return 0, fmt.Errorf("%w: endpoint %q", pkg.ErrInvalidParameter, f.Endpoint)
	}
	return uint8(v), nil
}

// StreamKind parses the stream kind.
func (f Format) StreamKind() (stream.StreamKind, error) {
	switch strings.ToLower(f.Stream) {
	case "", "video":
		return stream.StreamVideo, nil
	case "still":
		return stream.StreamStill, nil
	}
	return 0, fmt.Errorf("%w: stream %q", pkg.ErrInvalidParameter, f.Stream)
}

// StreamFormat resolves the format against a transport's pipe table.
func (c Config) StreamFormat(pipes []hal.PipeInfo) (stream.Format, error) {
	kind, err := c.Format.StreamKind()
	if err != nil {
		return stream.Format{}, err
	}
	ep, err := c.Format.EndpointAddress()
	if err != nil {
		return stream.Format{}, err
	}
	pipe := hal.NoPipe
	for _, p := range pipes {
		if p.Endpoint == ep {
			pipe = p.Index
			break
		}
	}
	if pipe == hal.NoPipe {
		return stream.Format{}, fmt.Errorf("%w: endpoint %#02x not in pipe table", pkg.ErrInvalidPipe, ep)
	}
	return stream.Format{
		Stream:      kind,
		Pipe:        pipe,
		SyncPipe:    hal.NoPipe,
		FrameLength: c.Format.FrameLength,
		Interface:   uint8(c.Device.Interface),
		AltSetting:  uint8(c.Device.Alt),
	}, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := pkg.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", pkg.ErrInvalidParameter, c.Log.Level)
	}
	if _, err := pkg.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, c.Log.Format)
	}
	if _, err := c.Format.StreamKind(); err != nil {
		return err
	}
	if _, err := c.Format.EndpointAddress(); err != nil {
		return err
	}
	switch c.Format.Finalizer {
	case "copy", "mjpeg":
	default:
		return fmt.Errorf("%w: finalizer %q", pkg.ErrInvalidParameter, c.Format.Finalizer)
	}
	if c.Format.FrameLength <= 0 {
		return fmt.Errorf("%w: frame length %d", pkg.ErrInvalidParameter, c.Format.FrameLength)
	}
	if c.Device.Interface < 0 || c.Device.Interface > 0xFF || c.Device.Alt < 0 || c.Device.Alt > 0xFF {
		return fmt.Errorf("%w: interface %d alt %d", pkg.ErrInvalidParameter, c.Device.Interface, c.Device.Alt)
	}
	return c.Stream().Validate()
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
