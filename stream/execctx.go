package stream

import (
	"fmt"

	"github.com/ardnew/usbcap/pkg"
)

// ExecContext identifies the execution context an operation is invoked from.
//
// Transfer completions and watchdog ticks run in InterruptContext and must
// never block. Client control operations, the dispatch worker, and the reset
// coordinator run in WorkerContext and may block on locks, signals and I/O.
type ExecContext uint8

// Execution contexts.
const (
	InterruptContext ExecContext = iota
	WorkerContext
)

// CanBlock reports whether operations in this context may block.
func (c ExecContext) CanBlock() bool {
	return c == WorkerContext
}

// String returns the context name.
func (c ExecContext) String() string {
	switch c {
	case InterruptContext:
		return "interrupt"
	case WorkerContext:
		return "worker"
	default:
		return "unknown"
	}
}

// requireBlocking returns ErrWouldBlock if op may not block in c.
func requireBlocking(c ExecContext, op string) error {
	if !c.CanBlock() {
		return fmt.Errorf("%w: %s from %s context", pkg.ErrWouldBlock, op, c)
	}
	return nil
}
