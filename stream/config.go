package stream

import (
	"fmt"
	"time"

	"github.com/ardnew/usbcap/pkg"
)

// Config holds the engine tunables.
type Config struct {
	PoolSize       int           // Transfer slots per channel
	PacketsPerSlot int           // Isochronous packets per slot
	ResubmitDelay  time.Duration // Deferral before a completed slot is resubmitted
	VideoWatchdog  time.Duration // Watchdog period for video channels
	StillWatchdog  time.Duration // Watchdog period for still channels
	ResetTimeout   time.Duration // Bound on the reset drain wait
	StopTimeout    time.Duration // Bound on the stop drain wait
	CancelTimeout  time.Duration // Bound on single-request cancellation
	Workers        int           // Deferred-work pool workers
	QueueDepth     int           // Deferred-work pool queue depth
	MaxChannels    int           // Channel arena size
	MaxFrameBytes  int           // Upper bound on a negotiated frame length
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:       2,
		PacketsPerSlot: 32,
		ResubmitDelay:  time.Millisecond,
		VideoWatchdog:  100 * time.Millisecond,
		StillWatchdog:  500 * time.Millisecond,
		ResetTimeout:   5 * time.Second,
		StopTimeout:    5 * time.Second,
		CancelTimeout:  2 * time.Second,
		Workers:        2,
		QueueDepth:     64,
		MaxChannels:    4,
		MaxFrameBytes:  64 << 20,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.PoolSize < 1:
		return fmt.Errorf("%w: pool size %d", pkg.ErrInvalidParameter, c.PoolSize)
	case c.PacketsPerSlot < 1:
		return fmt.Errorf("%w: packets per slot %d", pkg.ErrInvalidParameter, c.PacketsPerSlot)
	case c.ResubmitDelay < 0:
		return fmt.Errorf("%w: resubmit delay %v", pkg.ErrInvalidParameter, c.ResubmitDelay)
	case c.VideoWatchdog <= 0 || c.StillWatchdog <= 0:
		return fmt.Errorf("%w: watchdog interval", pkg.ErrInvalidParameter)
	case c.ResetTimeout <= 0 || c.StopTimeout <= 0 || c.CancelTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", pkg.ErrInvalidParameter)
	case c.Workers < 1 || c.QueueDepth < 1:
		return fmt.Errorf("%w: work pool %d/%d", pkg.ErrInvalidParameter, c.Workers, c.QueueDepth)
	case c.MaxChannels < 1:
		return fmt.Errorf("%w: max channels %d", pkg.ErrInvalidParameter, c.MaxChannels)
	case c.MaxFrameBytes < 1:
		return fmt.Errorf("%w: max frame bytes %d", pkg.ErrInvalidParameter, c.MaxFrameBytes)
	}
	return nil
}

// watchdogInterval returns the watchdog period for a stream kind.
func (c Config) watchdogInterval(kind StreamKind) time.Duration {
	if kind == StreamStill {
		return c.StillWatchdog
	}
	return c.VideoWatchdog
}
