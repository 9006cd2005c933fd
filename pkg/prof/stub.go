//go:build !profile

package prof

import (
	"io"
	"net/http"
)

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Profiling errors. Never returned without the "profile" tag.
var (
	ErrCPUActive      error
	ErrInvalidProfile error
)

func Register(*http.ServeMux) {}
func StartCPU(string) error { return nil }
func StartCPUWriter(io.Writer) error { return nil }
func StopCPU() {}
func CPUActive() bool { return false }
func Write(string, string) error { return nil }
func WriteTo(string, io.Writer, int) error { return nil }
func SetContention(int) {}
