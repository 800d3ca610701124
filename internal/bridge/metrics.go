package bridge

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// collectors are the process-wide Prometheus vectors every bridge reports
// into, labeled by edge. Kept package-level because Prometheus collectors
// are meant to be registered once per process, not once per bridge.
var collectors = struct {
	bytesTotal      *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	dropsTotal      *prometheus.CounterVec
	conversionMicros *prometheus.CounterVec
	depth           *prometheus.GaugeVec
}{
	bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinert",
		Subsystem: "bridge",
		Name:      "bytes_total",
		Help:      "Total bytes transferred across a bridge.",
	}, []string{"edge"}),
	messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinert",
		Subsystem: "bridge",
		Name:      "messages_total",
		Help:      "Total messages transferred across a bridge.",
	}, []string{"edge"}),
	dropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinert",
		Subsystem: "bridge",
		Name:      "drops_total",
		Help:      "Total droppable values evicted under backpressure=false.",
	}, []string{"edge"}),
	conversionMicros: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinert",
		Subsystem: "bridge",
		Name:      "conversion_microseconds_total",
		Help:      "Cumulative time spent converting values at this bridge.",
	}, []string{"edge"}),
	depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipelinert",
		Subsystem: "bridge",
		Name:      "depth",
		Help:      "Current buffered depth of a bridge.",
	}, []string{"edge"}),
}

func init() {
	prometheus.MustRegister(
		collectors.bytesTotal,
		collectors.messagesTotal,
		collectors.dropsTotal,
		collectors.conversionMicros,
		collectors.depth,
	)
}

// Metrics is a bridge's own in-process snapshot, read without touching the
// Prometheus registry; Session.Metrics() reads these directly so a caller
// doesn't need a scrape to see current counts.
type Metrics struct {
	BytesTransferred     atomic.Int64
	MessagesTransferred  atomic.Int64
	Drops                atomic.Int64
	ConversionMicros     atomic.Int64
	PeakDepth            atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics suitable for returning from
// an API without exposing the live atomics.
type Snapshot struct {
	BytesTransferred    int64
	MessagesTransferred int64
	Drops               int64
	ConversionMicros    int64
	PeakDepth           int64
	CurrentDepth        int64
}

func (m *Metrics) snapshot(currentDepth int64) Snapshot {
	return Snapshot{
		BytesTransferred:    m.BytesTransferred.Load(),
		MessagesTransferred: m.MessagesTransferred.Load(),
		Drops:               m.Drops.Load(),
		ConversionMicros:    m.ConversionMicros.Load(),
		PeakDepth:           m.PeakDepth.Load(),
		CurrentDepth:        currentDepth,
	}
}

func (m *Metrics) recordSend(edge string, bytes int64, depth int64) {
	m.BytesTransferred.Add(bytes)
	m.MessagesTransferred.Add(1)
	if depth > m.PeakDepth.Load() {
		m.PeakDepth.Store(depth)
	}
	collectors.bytesTotal.WithLabelValues(edge).Add(float64(bytes))
	collectors.messagesTotal.WithLabelValues(edge).Inc()
	collectors.depth.WithLabelValues(edge).Set(float64(depth))
}

func (m *Metrics) recordDrop(edge string) {
	m.Drops.Add(1)
	collectors.dropsTotal.WithLabelValues(edge).Inc()
}

func (m *Metrics) recordConversion(edge string, micros int64) {
	m.ConversionMicros.Add(micros)
	collectors.conversionMicros.WithLabelValues(edge).Add(float64(micros))
}
