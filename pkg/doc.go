// Package pkg provides shared utilities for the usbcap streaming engine.
//
// This package contains common functionality used by the transport layer,
// the streaming engine and the command line front end, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for transfer and lifecycle errors
//   - Transfer completion status codes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with engine-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentPump, "slot resubmitted", "slot", 1)
//
// Code running in interrupt context (transfer completion callbacks and
// watchdog ticks) logs at Debug or Warn only.
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // another request is already outstanding on the pipe
//	}
package pkg
