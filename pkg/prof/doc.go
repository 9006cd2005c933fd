// Package prof exposes pprof profiling for capture runs.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/usbcap
//
// Without the tag every function is a no-op and Enabled is false, so
// callers keep their profiling hooks in place at no cost.
//
// With the tag, Register mounts the /debug/pprof/ handlers on a caller's
// mux (usbcap uses the metrics server), StartCPU/StopCPU bracket a CPU
// profile, and Write snapshots any other runtime profile. SetContention
// enables block and mutex sampling, which is where a starved dispatch
// worker or a contended channel lock shows up.
package prof
