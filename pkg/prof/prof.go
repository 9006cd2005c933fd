//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// Profiling errors.
var (
	ErrCPUActive      = errors.New("cpu profile already active")
	ErrInvalidProfile = errors.New("invalid profile")
)

var (
	cpuMu   sync.Mutex
	cpuFile io.Closer
	cpuOn   bool
)

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// StartCPU starts a CPU profile written to path.
func StartCPU(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := StartCPUWriter(f); err != nil {
		f.Close()
		return err
	}
	cpuMu.Lock()
	cpuFile = f
	cpuMu.Unlock()
	return nil
}

// StartCPUWriter starts a CPU profile written to w.
func StartCPUWriter(w io.Writer) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuOn {
		return ErrCPUActive
	}
	if err := rpprof.StartCPUProfile(w); err != nil {
		return err
	}
	cpuOn = true
	return nil
}

// StopCPU ends the CPU profile, if any.
func StopCPU() {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if !cpuOn {
		return
	}
	rpprof.StopCPUProfile()
	if cpuFile != nil {
		cpuFile.Close()
		cpuFile = nil
	}
	cpuOn = false
}

// CPUActive reports whether a CPU profile is running.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuOn
}

// Write snapshots the named runtime profile (heap, allocs, goroutine,
// threadcreate, block, mutex) to path.
func Write(name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteTo(name, f, 0)
}

// WriteTo writes the named profile to w. debug 0 is the pprof protobuf
// format; 1 is text.
func WriteTo(name string, w io.Writer, debug int) error {
	p := rpprof.Lookup(name)
	if p == nil || name == "cpu" {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, name)
	}
	return p.WriteTo(w, debug)
}

// SetContention sets the block profile rate and mutex profile fraction.
// 0 disables both.
func SetContention(rate int) {
	runtime.SetBlockProfileRate(rate)
	runtime.SetMutexProfileFraction(rate)
}
