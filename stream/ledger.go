package stream

import (
	"slices"
	"sync"

	"github.com/ardnew/usbcap/pkg"
)

// Ledger tracks the slots in flight on one pipe, in submission order.
//
// A parallel restore list holds external requests that were cancelled for
// an interface change and must be resubmitted unchanged afterwards.
// Streaming slots are never retained; they are rebuilt fresh.
type Ledger struct {
	pipe int

	mu       sync.Mutex
	inflight []*transferSlot
	restore  []*transferSlot
}

// NewLedger creates an empty ledger for a pipe.
func NewLedger(pipe int) *Ledger {
	return &Ledger{pipe: pipe}
}

// Enqueue records a slot on submission.
func (l *Ledger) Enqueue(s *transferSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight = append(l.inflight, s)
}

// Remove drops a slot by identity on completion. It reports whether the
// slot was present.
func (l *Ledger) Remove(s *transferSlot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.Index(l.inflight, s)
	if i < 0 {
		return false
	}
	l.inflight = slices.Delete(l.inflight, i, i+1)
	return true
}

// Outstanding reports whether any slot is in flight.
func (l *Ledger) Outstanding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight) > 0
}

// Len returns the number of slots in flight.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// CancelAll marks every in-flight slot cancelled and moves retained ones to
// the restore list. The caller aborts the pipe so the transfers complete.
// It returns the number of slots marked.
func (l *Ledger) CancelAll() int {
	l.mu.Lock()
	inflight := slices.Clone(l.inflight)
	l.mu.Unlock()

	// Slot locks are taken before the ledger lock on the submit path.
	var retained []*transferSlot
	for _, s := range inflight {
		s.mu.Lock()
		s.cancelled = true
		if s.retain {
			retained = append(retained, s)
		}
		s.mu.Unlock()
	}

	l.mu.Lock()
	for _, s := range retained {
		if !slices.Contains(l.restore, s) {
			l.restore = append(l.restore, s)
		}
	}
	l.mu.Unlock()

	if n := len(inflight); n > 0 {
		pkg.LogDebug(pkg.ComponentLedger, "cancel all", "pipe", l.pipe, "inflight", n, "retained", len(retained))
	}
	return len(inflight)
}

// Retained reports whether s is waiting on the restore list.
func (l *Ledger) Retained(s *transferSlot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.restore, s)
}

// TakeRestore returns and clears the restore list.
func (l *Ledger) TakeRestore() []*transferSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.restore
	l.restore = nil
	return r
}
