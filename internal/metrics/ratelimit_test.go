package metrics

import (
	"sync"
	"testing"
)

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "code=-1003, msg=Way too much request weight used", true, false},
		{"binance", "IP banned until 1700000000000", false, true},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "Too many visits!", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("%s %q: expected rateLimit %v got %v", c.exchange, c.msg, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("%s %q: expected ipBan %v got %v", c.exchange, c.msg, c.ban, ban)
		}
	}
}

func TestReportLimitFromMessageEmits(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	id := RegisterMetricHandler(func(m Metric) {
		if m.Component != "rate_limit" {
			return
		}
		mu.Lock()
		seen[m.Name]++
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	if rl, ban := ReportLimitFromMessage(nil, "binance", "BTCUSDT", "snapshot", "Too many requests"); !rl || ban {
		t.Fatalf("expected rate limit only, got rl=%v ban=%v", rl, ban)
	}
	ReportIPBan(nil, "bybit", "", "stream")
	ReportLimitFromMessage(nil, "binance", "", "stream", "unrelated")

	mu.Lock()
	defer mu.Unlock()
	if seen["rate_limit_exceeded"] != 1 || seen["ip_ban"] != 1 {
		t.Fatalf("unexpected metrics %v", seen)
	}
}
