package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/ardnew/usbcap/hal"
	"github.com/ardnew/usbcap/pkg"
	"github.com/ardnew/usbcap/stream"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if got, want := cfg.Stream(), stream.DefaultConfig(); got != want {
		t.Errorf("Default().Stream() = %+v, want %+v", got, want)
	}
}

func TestDefaultPath(t *testing.T) {
	p := DefaultPath()
	if filepath.Base(p) != "config.toml" || filepath.Base(filepath.Dir(p)) != "usbcap" {
		t.Errorf("DefaultPath() = %q", p)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
[log]
level = "debug"

[device]
vid = "0x046d"
pid = "085c"
interface = 1
alt = 6

[engine]
pool_size = 4
resubmit_delay = "2ms"
reset_timeout = "1s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
	if cfg.Engine.PoolSize != 4 || time.Duration(cfg.Engine.ResubmitDelay) != 2*time.Millisecond {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if got := cfg.Stream().ResetTimeout; got != time.Second {
		t.Errorf("Stream().ResetTimeout = %v, want 1s", got)
	}
	// Untouched values keep their defaults.
	if cfg.Engine.PacketsPerSlot != stream.DefaultConfig().PacketsPerSlot {
		t.Errorf("PacketsPerSlot = %d, want default", cfg.Engine.PacketsPerSlot)
	}

	vid, pid, err := cfg.Device.IDs()
	if err != nil || vid != 0x046d || pid != 0x085c {
		t.Errorf("IDs() = %#04x, %#04x, %v", vid, pid, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[log\nlevel = 1"},
		{"unknown key", "[log]\nverbosity = 3\n"},
		{"bad duration", "[engine]\nreset_timeout = \"soon\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Load() error = %v, want %v", err, pkg.ErrInvalidParameter)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load(missing) error = %v", err)
	}
	if cfg != Default() {
		t.Error("Load(missing) did not return defaults")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"USBCAP_LOG_LEVEL":             "error",
		"USBCAP_ENGINE_POOL_SIZE":      "3",
		"USBCAP_ENGINE_STOP_TIMEOUT":   "750ms",
		"USBCAP_DEVICE_VID":            "1d6b",
		"USBCAP_FORMAT_FRAME_LENGTH":   "0x1000",
		"USBCAP_ENGINE_QUEUE_DEPTH":    "",
		"UNRELATED_ENGINE_POOL_SIZE":   "9",
		"USBCAP_ENGINE_MAX_CHANNELS_X": "9",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error", cfg.Log.Level)
	}
	if cfg.Engine.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want 3", cfg.Engine.PoolSize)
	}
	if time.Duration(cfg.Engine.StopTimeout) != 750*time.Millisecond {
		t.Errorf("StopTimeout = %v, want 750ms", time.Duration(cfg.Engine.StopTimeout))
	}
	if cfg.Device.VID != "1d6b" || cfg.Format.FrameLength != 4096 {
		t.Errorf("VID = %q, FrameLength = %d", cfg.Device.VID, cfg.Format.FrameLength)
	}
	if cfg.Engine.QueueDepth != Default().Engine.QueueDepth {
		t.Error("empty variable overrode QueueDepth")
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{"USBCAP_ENGINE_WORKERS": "many"}))
	if !errors.Is(err, pkg.ErrInvalidParameter) || !strings.Contains(err.Error(), "USBCAP_ENGINE_WORKERS") {
		t.Errorf("ApplyEnv() error = %v, want invalid parameter naming the variable", err)
	}
}

func TestApplyFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.String("vid", "", "")
	fs.Int("alt", 0, "")
	fs.String("metrics-addr", "", "")
	if err := fs.Parse([]string{"--vid", "0bda", "--alt=2"}); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Log.Level = "debug"
	if err := ApplyFlags(&cfg, fs); err != nil {
		t.Fatalf("ApplyFlags() error = %v", err)
	}
	if cfg.Device.VID != "0bda" || cfg.Device.Alt != 2 {
		t.Errorf("Device = %+v", cfg.Device)
	}
	// Flags left at their defaults do not override.
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestResolve_Precedence(t *testing.T) {
	path := writeFile(t, "[log]\nlevel = \"info\"\nformat = \"json\"\n[engine]\nworkers = 5\n")
	t.Setenv("USBCAP_LOG_LEVEL", "error")
	t.Setenv("USBCAP_ENGINE_WORKERS", "6")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "", "")
	fs.Parse([]string{"--log-level", "debug"})

	cfg, err := Resolve(path, fs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want the flag's debug", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want the file's json", cfg.Log.Format)
	}
	if cfg.Engine.Workers != 6 {
		t.Errorf("Workers = %d, want the environment's 6", cfg.Engine.Workers)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"stream", func(c *Config) { c.Format.Stream = "audio" }},
		{"endpoint", func(c *Config) { c.Format.Endpoint = "0x1ff" }},
		{"finalizer", func(c *Config) { c.Format.Finalizer = "h264" }},
		{"frame length", func(c *Config) { c.Format.FrameLength = 0 }},
		{"alt", func(c *Config) { c.Device.Alt = 300 }},
		{"engine", func(c *Config) { c.Engine.PoolSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want %v", err, pkg.ErrInvalidParameter)
			}
		})
	}
}

func TestConfig_StreamFormat(t *testing.T) {
	pipes := []hal.PipeInfo{
		{Index: 0, Endpoint: 0x02, Type: hal.PipeBulk},
		{Index: 1, Endpoint: 0x81, Type: hal.PipeIsochronous},
	}
	cfg := Default()
	cfg.Device.Interface, cfg.Device.Alt = 1, 5
	cfg.Format.Stream = "Still"

	f, err := cfg.StreamFormat(pipes)
	if err != nil {
		t.Fatalf("StreamFormat() error = %v", err)
	}
	want := stream.Format{
		Stream:      stream.StreamStill,
		Pipe:        1,
		SyncPipe:    hal.NoPipe,
		FrameLength: cfg.Format.FrameLength,
		Interface:   1,
		AltSetting:  5,
	}
	if f != want {
		t.Errorf("StreamFormat() = %+v, want %+v", f, want)
	}

	cfg.Format.Endpoint = "0x83"
	if _, err := cfg.StreamFormat(pipes); !errors.Is(err, pkg.ErrInvalidPipe) {
		t.Errorf("StreamFormat(missing endpoint) error = %v, want %v", err, pkg.ErrInvalidPipe)
	}
}

func TestConfig_WriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Engine.ResubmitDelay = Duration(3 * time.Millisecond)

	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != cfg {
		t.Errorf("Load(Write(cfg)) = %+v, want %+v", got, cfg)
	}
}
