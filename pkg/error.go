package pkg

import (
	"context"
	"errors"
)

// Transfer errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer or wait timed out.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled indicates a cancelled transfer or frame request.
	ErrCancelled = errors.New("cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrProtocol indicates a protocol or unspecified hardware error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device has been removed.
	ErrNoDevice = errors.New("device not present")
)

// Lifecycle and usage errors.
var (
	// ErrInvalidState indicates the channel or device is in the wrong state
	// for the requested operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidPipe indicates a bad pipe index or a pipe of the wrong type.
	ErrInvalidPipe = errors.New("invalid pipe")

	// ErrBusy indicates the resource already has an outstanding request.
	ErrBusy = errors.New("resource busy")

	// ErrNoResources indicates an allocation or queue slot could not be
	// obtained.
	ErrNoResources = errors.New("no resources available")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrWouldBlock indicates a blocking operation was attempted from a
	// context that must never block.
	ErrWouldBlock = errors.New("operation would block")

	// ErrResetTimeout indicates a reset gave up waiting for the stream to
	// drain. The reset may be retried.
	ErrResetTimeout = errors.New("reset drain timeout")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")
)

// IsRetryable reports whether err denotes a failure that is expected to
// clear on its own and may be retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResetTimeout) || errors.Is(err, ErrBusy)
}

// TransferStatus represents the completion status of a USB transfer or a
// frame request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
	TransferStatusNoDevice                        // Device went away
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	case TransferStatusNoDevice:
		return "no-device"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	case TransferStatusNoDevice:
		return ErrNoDevice
	default:
		return ErrProtocol
	}
}

// IsFault reports whether the status denotes a hardware fault, as opposed
// to success or cancellation.
func (s TransferStatus) IsFault() bool {
	return s != TransferStatusSuccess && s != TransferStatusCancelled
}

// StatusFromError maps an error back onto a transfer status.
func StatusFromError(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return TransferStatusCancelled
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TransferStatusTimeout
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrUnderrun):
		return TransferStatusUnderrun
	case errors.Is(err, ErrNoDevice):
		return TransferStatusNoDevice
	default:
		return TransferStatusError
	}
}
