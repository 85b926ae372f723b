package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Drain loop counters
	FramesDrained   atomic.Uint64
	FramesWritten   atomic.Uint64
	FramesNotReady  atomic.Uint64 // media frames that arrived before the sink was ready
	ConfigFrames    atomic.Uint64
	FormatChanges   atomic.Uint64
	PollsEmpty      atomic.Uint64
	TransientEmpty  atomic.Uint64
	BuffersReleased atomic.Uint64
	BytesWritten    atomic.Uint64

	// Error counters
	SinkWriteErrors atomic.Uint64
	FatalErrors     atomic.Uint64
	CaptureErrors   atomic.Uint64

	// Capture
	CaptureFrames atomic.Uint64

	// Network sink
	PacketsSent    atomic.Uint64
	PacketsDropped atomic.Uint64

	// Latency tracking
	DrainLatencyUs atomic.Uint64 // Last drain iteration duration in microseconds

	// Pipeline state (pipeline.State value)
	PipelineState atomic.Uint64

	// Relay
	RelayFramesReceived  atomic.Uint64
	RelayFramesBroadcast atomic.Uint64
	RelayReadErrors      atomic.Uint64
	ActivePlayers        atomic.Uint64
	TotalPlayers         atomic.Uint64
	WebRTCFramesSent     atomic.Uint64
	WebRTCFramesDropped  atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Prometheus collectors
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

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name  string
		help  string
		value *atomic.Uint64
	}{
		// Drain loop
		{"screenstreamer_frames_drained_total", "Total encoder output buffers drained", &m.FramesDrained},
		{"screenstreamer_frames_written_total", "Total media frames written to the sink", &m.FramesWritten},
		{"screenstreamer_frames_not_ready_total", "Media frames dropped before the sink was ready", &m.FramesNotReady},
		{"screenstreamer_config_frames_total", "Codec config buffers seen", &m.ConfigFrames},
		{"screenstreamer_format_changes_total", "Encoder format change events", &m.FormatChanges},
		{"screenstreamer_polls_empty_total", "Polls that returned no output", &m.PollsEmpty},
		{"screenstreamer_transient_empty_total", "Polls that returned a transient empty index", &m.TransientEmpty},
		{"screenstreamer_buffers_released_total", "Encoder buffers released", &m.BuffersReleased},
		{"screenstreamer_bytes_written_total", "Payload bytes written to the sink", &m.BytesWritten},

		// Errors
		{"screenstreamer_sink_write_errors_total", "Sink write failures", &m.SinkWriteErrors},
		{"screenstreamer_fatal_errors_total", "Fatal pipeline errors", &m.FatalErrors},
		{"screenstreamer_capture_errors_total", "Screen capture errors", &m.CaptureErrors},

		// Capture
		{"screenstreamer_capture_frames_total", "Frames submitted to the encoder surface", &m.CaptureFrames},

		// Network sink
		{"screenstreamer_packets_sent_total", "Frame packets written to the socket", &m.PacketsSent},
		{"screenstreamer_packets_dropped_total", "Frame packets dropped on a full send queue", &m.PacketsDropped},

		// Latency and state
		{"screenstreamer_drain_latency_us", "Duration of the last drain iteration in microseconds", &m.DrainLatencyUs},
		{"screenstreamer_pipeline_state", "Pipeline state (0=idle 1=configuring 2=draining 3=stopping 4=stopped)", &m.PipelineState},

		// Relay
		{"streamrelay_frames_received_total", "Frames received from the streamer", &m.RelayFramesReceived},
		{"streamrelay_frames_broadcast_total", "Frames broadcast to players", &m.RelayFramesBroadcast},
		{"streamrelay_read_errors_total", "Streamer read errors", &m.RelayReadErrors},
		{"streamrelay_active_players", "Number of connected players", &m.ActivePlayers},
		{"streamrelay_total_players", "Total players connected", &m.TotalPlayers},
		{"streamrelay_webrtc_frames_sent_total", "Total frames sent to WebRTC clients", &m.WebRTCFramesSent},
		{"streamrelay_webrtc_frames_dropped_total", "Total WebRTC frames dropped", &m.WebRTCFramesDropped},

		// Recording
		{"streamrelay_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"streamrelay_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"streamrelay_recording_frames", "Total frames written to recording", &m.RecordingFrames},
	}

	for _, g := range gauges {
		value := g.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return float64(value.Load()) },
		))
	}
}

// UpdateDrainLatency records how long the last drain iteration took
func (m *Metrics) UpdateDrainLatency(d time.Duration) {
	m.DrainLatencyUs.Store(uint64(d.Microseconds()))
}

// Registry exposes the private registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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
