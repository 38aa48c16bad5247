package metrics

import (
	"net/http"
	"testing"
)

func TestReportUsedWeight(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "42")
	used, ok := ReportUsedWeight(nil, h, "snapshot_reader", "BTCUSDT")
	if !ok || used != 42 {
		t.Fatalf("expected 42, got %v %v", used, ok)
	}

	h = http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "abc")
	if _, ok := ReportUsedWeight(nil, h, "snapshot_reader", ""); ok {
		t.Fatal("non-numeric header should not report")
	}
	if _, ok := ReportUsedWeight(nil, nil, "snapshot_reader", ""); ok {
		t.Fatal("nil header should not report")
	}
}
