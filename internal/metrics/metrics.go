package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame ingestion
	FramesEmittedCPU   atomic.Uint64
	FramesEmittedGPU   atomic.Uint64
	FramesDropped      atomic.Uint64 // pipeline queue full
	FramesNonMonotonic atomic.Uint64
	FramesOddSize      atomic.Uint64

	// Image pool
	PoolExhausted atomic.Uint64
	PoolInUse     atomic.Uint64

	// Encoding and packetization
	FramesEncoded    atomic.Uint64
	EncodeErrors     atomic.Uint64
	PacketsSent      atomic.Uint64
	PacketsDropped   atomic.Uint64 // per-client queue full
	ProcessLatencyUs atomic.Uint64

	// Down-Message side channel
	MetadataAttached   atomic.Uint64
	MetadataMissing    atomic.Uint64
	MetadataOversized  atomic.Uint64
	MetadataFailed     atomic.Uint64
	MetadataNotFlagged atomic.Uint64
	downMsgSkipRate    atomic.Uint64 // float64 bits

	// Up-Messages from clients
	TrackingReceived atomic.Uint64
	TrackingInvalid  atomic.Uint64

	// WebRTC client tracking
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("streaming_frames_emitted_cpu_total", "Frames emitted from CPU buffers", &m.FramesEmittedCPU)
	m.counter("streaming_frames_emitted_gpu_total", "Frames emitted from pooled GPU images", &m.FramesEmittedGPU)
	m.counter("streaming_frames_dropped_total", "Frames dropped because the pipeline queue was full", &m.FramesDropped)
	m.counter("streaming_frames_non_monotonic_total", "Frames rejected for non-increasing timestamps", &m.FramesNonMonotonic)
	m.counter("streaming_frames_odd_size_total", "Frames with odd width or height", &m.FramesOddSize)

	m.counter("streaming_pool_exhausted_total", "Acquire attempts on a fully leased image pool", &m.PoolExhausted)
	m.gauge("streaming_pool_in_use", "Images currently leased from the pool",
		func() float64 { return float64(m.PoolInUse.Load()) })

	m.counter("streaming_frames_encoded_total", "Frames encoded", &m.FramesEncoded)
	m.counter("streaming_encode_errors_total", "Frames the encoder rejected", &m.EncodeErrors)
	m.counter("streaming_packets_sent_total", "RTP packets queued to clients", &m.PacketsSent)
	m.counter("streaming_packets_dropped_total", "RTP packets dropped on full client queues", &m.PacketsDropped)
	m.gauge("streaming_process_latency_us", "Last per-frame pipeline latency in microseconds",
		func() float64 { return float64(m.ProcessLatencyUs.Load()) })

	m.counter("streaming_downmsg_attached_total", "Packets carrying a Down-Message extension", &m.MetadataAttached)
	m.counter("streaming_downmsg_missing_total", "Packets of frames without a Down-Message", &m.MetadataMissing)
	m.counter("streaming_downmsg_oversized_total", "Down-Messages dropped for exceeding the extension ceiling", &m.MetadataOversized)
	m.counter("streaming_downmsg_failed_total", "Down-Messages that could not be embedded", &m.MetadataFailed)
	m.counter("streaming_downmsg_not_flagged_total", "Packets whose extension bit was not set after embedding", &m.MetadataNotFlagged)
	m.gauge("streaming_downmsg_skipped_per_second", "Down-Messages skipped before transmission, per second",
		m.DownMsgSkipRate)

	m.counter("streaming_tracking_received_total", "Up-Messages decoded from clients", &m.TrackingReceived)
	m.counter("streaming_tracking_invalid_total", "Up-Messages that failed to decode", &m.TrackingInvalid)

	m.gauge("streaming_active_clients", "Number of active WebRTC clients",
		func() float64 { return float64(m.ActiveClients.Load()) })
	m.counter("streaming_total_clients", "Total WebRTC clients connected", &m.TotalClients)

	m.gauge("streaming_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.gauge("streaming_recording_bytes", "Total bytes written to recording",
		func() float64 { return float64(m.RecordingBytes.Load()) })
	m.gauge("streaming_recording_frames", "Total frames written to recording",
		func() float64 { return float64(m.RecordingFrames.Load()) })
}

// SetDownMsgSkipRate stores the last loss-accounting report
func (m *Metrics) SetDownMsgSkipRate(perSecond float64) {
	m.downMsgSkipRate.Store(math.Float64bits(perSecond))
}

// DownMsgSkipRate returns the last loss-accounting report
func (m *Metrics) DownMsgSkipRate() float64 {
	return math.Float64frombits(m.downMsgSkipRate.Load())
}

// UpdateProcessLatency records how long the last frame spent in the pipeline
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyUs.Store(uint64(d.Microseconds()))
}

// Snapshot returns the counters for the status endpoint
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"frames_emitted_cpu":   m.FramesEmittedCPU.Load(),
		"frames_emitted_gpu":   m.FramesEmittedGPU.Load(),
		"frames_dropped":       m.FramesDropped.Load(),
		"frames_non_monotonic": m.FramesNonMonotonic.Load(),
		"pool_exhausted":       m.PoolExhausted.Load(),
		"pool_in_use":          m.PoolInUse.Load(),
		"frames_encoded":       m.FramesEncoded.Load(),
		"encode_errors":        m.EncodeErrors.Load(),
		"packets_sent":         m.PacketsSent.Load(),
		"packets_dropped":      m.PacketsDropped.Load(),
		"downmsg_attached":     m.MetadataAttached.Load(),
		"downmsg_oversized":    m.MetadataOversized.Load(),
		"downmsg_failed":       m.MetadataFailed.Load(),
		"downmsg_not_flagged":  m.MetadataNotFlagged.Load(),
		"tracking_received":    m.TrackingReceived.Load(),
		"tracking_invalid":     m.TrackingInvalid.Load(),
		"active_clients":       m.ActiveClients.Load(),
		"total_clients":        m.TotalClients.Load(),
		"recording_frames":     m.RecordingFrames.Load(),
		"recording_bytes":      m.RecordingBytes.Load(),
		"process_latency_us":   m.ProcessLatencyUs.Load(),
		"downmsg_missing":      m.MetadataMissing.Load(),
		"frames_odd_size":      m.FramesOddSize.Load(),
		"recording_active":     m.RecordingActive.Load(),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
