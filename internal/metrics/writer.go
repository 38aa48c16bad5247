package metrics

import "marketstream/logger"

// WriterStats holds counters for sink components.
type WriterStats struct {
	BatchesWritten  int64
	MessagesWritten int64
	BytesWritten    int64
	ErrorsCount     int64
	LaggedEvents    int64
	BufferLen       int
	BufferCap       int
}

// ReportWriter emits common writer metrics and logs a summary line. The line is
// a warning once any write has failed.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	avgBytesPerMessage := float64(0)
	if stats.MessagesWritten > 0 {
		avgBytesPerMessage = float64(stats.BytesWritten) / float64(stats.MessagesWritten)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{})
	EmitMetric(log, component, "messages_written", stats.MessagesWritten, "counter", logger.Fields{})
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(log, component, "lagged_events", stats.LaggedEvents, "counter", logger.Fields{})
	EmitMetric(log, component, "buffer_length", stats.BufferLen, "gauge", logger.Fields{})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written":       stats.BatchesWritten,
		"messages_written":      stats.MessagesWritten,
		"bytes_written":         stats.BytesWritten,
		"errors_count":          stats.ErrorsCount,
		"lagged_events":         stats.LaggedEvents,
		"error_rate":            errorRate,
		"avg_bytes_per_message": avgBytesPerMessage,
		"buffer_len":            stats.BufferLen,
		"buffer_cap":            stats.BufferCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
