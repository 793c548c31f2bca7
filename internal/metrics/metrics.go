// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodeFramesInTotal counts buffers accepted by a process node
	NodeFramesInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcamera_node_frames_in_total",
			Help: "Total number of buffers accepted by a process node",
		},
		[]string{"node", "codec"},
	)

	// NodeFramesOutTotal counts buffers produced by a process node
	NodeFramesOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcamera_node_frames_out_total",
			Help: "Total number of buffers produced by a process node",
		},
		[]string{"node", "codec"},
	)

	// NodeErrorsTotal counts node errors by kind
	NodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcamera_node_errors_total",
			Help: "Total number of process node errors",
		},
		[]string{"node", "kind"},
	)

	// NodeWaitCount tracks frames submitted to a codec and not yet returned
	NodeWaitCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcamera_node_wait_count",
			Help: "Frames submitted to the codec awaiting output",
		},
		[]string{"node"},
	)

	// DecoderPendingInputs tracks buffers waiting for a free decoder input slot
	DecoderPendingInputs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcamera_decoder_pending_inputs",
			Help: "Buffers queued for a decoder input slot",
		},
		[]string{"node"},
	)

	// DecoderRetriesTotal counts feed retries scheduled for lack of input slots
	DecoderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcamera_decoder_retries_total",
			Help: "Total number of decoder feed retries",
		},
		[]string{"node"},
	)

	// CodecLatencySeconds measures time from submission to codec output
	CodecLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dcamera_codec_latency_seconds",
			Help:    "Latency from buffer submission to codec output in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"node"},
	)

	// PipelineStatus tracks current pipeline status
	PipelineStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcamera_pipeline_status",
			Help: "Current status of pipelines (0=destroyed, 1=running, 2=error)",
		},
		[]string{"pipeline"},
	)

	// EventBusDroppedTotal counts async events rejected by a full bus queue
	EventBusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcamera_eventbus_dropped_total",
			Help: "Total number of events dropped by an event bus",
		},
		[]string{"bus"},
	)
)

// PipelineStatusValue represents pipeline status as a numeric value for Prometheus gauge
const (
	PipelineStatusDestroyed = 0
	PipelineStatusRunning   = 1
	PipelineStatusError     = 2
)
