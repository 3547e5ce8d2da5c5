package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains the metrics every deployment exposes regardless of
// which components are enabled. Per-component metrics register separately
// through the Registrar interface.
type IngestMetrics struct {
	// Intake and classification
	PacketsReceived  *prometheus.CounterVec // by device, kind (reading|raw)
	MalformedPackets *prometheus.CounterVec // by cause

	// Reassembly
	SequenceGaps    *prometheus.CounterVec // by device, channel
	SegmentsEmitted *prometheus.CounterVec // by device, channel

	// Storage
	BufferOverruns *prometheus.CounterVec // by device, kind

	// Spectral analysis
	WindowsAnalyzed *prometheus.CounterVec // by device, channel
	WindowsSkipped  *prometheus.CounterVec // by device, channel

	// Alarms
	AlarmTransitions *prometheus.CounterVec // by device, metric, state

	// Registry
	ActiveDevices prometheus.Gauge
}

// NewIngestMetrics creates the core metric set. Callers register it with a
// Registry; the vectors here are the observable results of the error policy:
// malformed packets, gaps, overruns and skipped windows are counted, never
// surfaced as errors.
func NewIngestMetrics() *IngestMetrics {
	return &IngestMetrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "intake",
				Name:      "packets_received_total",
				Help:      "Total datagrams classified successfully",
			},
			[]string{"device", "kind"},
		),

		MalformedPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "intake",
				Name:      "malformed_packets_total",
				Help:      "Datagrams dropped by the classifier",
			},
			[]string{"cause"},
		),

		SequenceGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "reassembly",
				Name:      "sequence_gaps_total",
				Help:      "Sample blocks declared permanently lost",
			},
			[]string{"device", "channel"},
		),

		SegmentsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "reassembly",
				Name:      "segments_emitted_total",
				Help:      "Reassembled segments handed downstream",
			},
			[]string{"device", "channel"},
		),

		BufferOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "timeseries",
				Name:      "buffer_overruns_total",
				Help:      "Entries evicted by capacity pressure before aging out",
			},
			[]string{"device", "kind"},
		),

		WindowsAnalyzed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "spectral",
				Name:      "windows_analyzed_total",
				Help:      "Analysis windows transformed into spectral summaries",
			},
			[]string{"device", "channel"},
		),

		WindowsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "spectral",
				Name:      "windows_skipped_total",
				Help:      "Analysis windows discarded for excess missing samples",
			},
			[]string{"device", "channel"},
		),

		AlarmTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bch",
				Subsystem: "alarm",
				Name:      "transitions_total",
				Help:      "Alarm state transitions emitted",
			},
			[]string{"device", "metric", "state"},
		),

		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bch",
				Subsystem: "device",
				Name:      "active",
				Help:      "Devices seen within the idle timeout",
			},
		),
	}
}
