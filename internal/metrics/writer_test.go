package metrics

import (
	"sync"
	"testing"
)

func TestReportWriterEmitsStats(t *testing.T) {
	var (
		mu     sync.Mutex
		values = map[string]interface{}{}
	)
	id := RegisterMetricHandler(func(m Metric) {
		if m.Component != "test_writer" {
			return
		}
		mu.Lock()
		values[m.Name] = m.Value
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	ReportWriter(nil, "test_writer", WriterStats{
		BatchesWritten:  3,
		MessagesWritten: 30,
		BytesWritten:    3000,
		ErrorsCount:     1,
		LaggedEvents:    2,
		BufferLen:       5,
		BufferCap:       100,
	})

	mu.Lock()
	defer mu.Unlock()
	if values["messages_written"] != int64(30) || values["errors_count"] != int64(1) {
		t.Fatalf("unexpected values %v", values)
	}
	if rate, ok := values["error_rate"].(float64); !ok || rate != 0.25 {
		t.Fatalf("error_rate = %v", values["error_rate"])
	}
	if values["lagged_events"] != int64(2) {
		t.Fatalf("lagged_events = %v", values["lagged_events"])
	}
	if values["buffer_length"] != 5 {
		t.Fatalf("buffer_length = %v", values["buffer_length"])
	}
}
