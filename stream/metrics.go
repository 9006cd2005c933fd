package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcome labels.
const (
	resultCompleted = "completed"
	resultLost      = "lost"
	resultDropped   = "dropped"
	resultCancelled = "cancelled"
	resultFailed    = "failed"
	resultTruncated = "truncated"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	frames   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	faults   *prometheus.CounterVec
	resets   *prometheus.CounterVec
	deferred *prometheus.CounterVec
	queue    *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbcap",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames by outcome",
		}, []string{"device", "stream", "result"}),

		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbcap",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Bytes delivered to clients",
		}, []string{"device", "stream"}),

		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbcap",
			Subsystem: "stream",
			Name:      "faults_total",
			Help:      "Transfer faults latched as stream errors",
		}, []string{"device", "stream", "status"}),

		resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbcap",
			Subsystem: "stream",
			Name:      "resets_total",
			Help:      "Reset coordinator runs by result",
		}, []string{"device", "result"}),

		deferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbcap",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Deferred work items by admission result",
		}, []string{"device", "result"}),

		queue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "usbcap",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Completed frames awaiting finalization",
		}, []string{"device"}),
	}
}

func (m *Metrics) frame(device string, kind StreamKind, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(device, kind.String(), result).Inc()
}

func (m *Metrics) addBytes(device string, kind StreamKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(device, kind.String()).Add(float64(n))
}

func (m *Metrics) fault(device string, kind StreamKind, status string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(device, kind.String(), status).Inc()
}

func (m *Metrics) reset(device, result string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(device, result).Inc()
}

func (m *Metrics) job(device string, accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.deferred.WithLabelValues(device, result).Inc()
}

func (m *Metrics) queueDepth(device string, n int) {
	if m == nil {
		return
	}
	m.queue.WithLabelValues(device).Set(float64(n))
}

func (m *Metrics) frameN(device string, kind StreamKind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.frames.WithLabelValues(device, kind.String(), result).Add(float64(n))
}
