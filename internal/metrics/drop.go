package metrics

import "marketstream/logger"

// DropMetric identifies the metric name emitted when events are dropped.
type DropMetric string

const (
	// DropMetricBroadcast records events overwritten in a lagging receiver's buffer.
	DropMetricBroadcast DropMetric = "broadcast_dropped"
	// DropMetricFrame records frames dropped after a normalizer failure.
	DropMetricFrame DropMetric = "frame_dropped"
	// DropMetricSink records events a downstream sink failed to deliver.
	DropMetricSink DropMetric = "sink_dropped"
)

// EmitDropMetric emits a counter of n dropped events. Optional metadata is added
// to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, n int, exchange, symbol, stage string) {
	if n <= 0 {
		return
	}
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), n, "counter", fields)
}
