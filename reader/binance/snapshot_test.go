package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/models"
)

func testConfig(url string) config.BookConfig {
	return config.BookConfig{
		SnapshotURL:    url,
		SnapshotLimit:  100,
		SnapshotRPS:    1000,
		SnapshotBurst:  10,
		RequestTimeout: 2 * time.Second,
	}
}

func TestFetchSnapshot(t *testing.T) {
	var gotPath, gotSymbol, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSymbol = r.URL.Query().Get("symbol")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "20")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"E":1589436922972,"T":1589436922959,
			"bids":[["30000.10","1.5"],["29999.00","2"]],
			"asks":[["30001.00","0.5"]]}`))
	}))
	defer srv.Close()

	var weights atomic.Int32
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Name == "used_weight" {
			weights.Add(1)
		}
	})
	defer metrics.UnregisterMetricHandler(id)

	r := NewSnapshotReader(testConfig(srv.URL))
	snap, err := r.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/fapi/v1/depth" || gotSymbol != "BTCUSDT" || gotLimit != "100" {
		t.Fatalf("request path=%s symbol=%s limit=%s", gotPath, gotSymbol, gotLimit)
	}
	if snap.Symbol != "BTCUSDT" || snap.LastUpdateID != 1027024 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Bids) != 2 || snap.Bids[0] != (models.PriceLevel{Price: 30000.1, Size: 1.5}) {
		t.Fatalf("bids = %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 30001 {
		t.Fatalf("asks = %+v", snap.Asks)
	}
	if weights.Load() != 1 {
		t.Fatalf("used weight reported %d times", weights.Load())
	}
}

func TestFetchSpotSnapshot(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":4242,"bids":[["0.05","10"]],"asks":[["0.0501","4"]]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Market = config.MarketSpot
	r := NewSnapshotReader(cfg)
	snap, err := r.Fetch(context.Background(), "ETHBTC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/api/v3/depth" {
		t.Fatalf("request path %s", gotPath)
	}
	if snap.LastUpdateID != 4242 || len(snap.Bids) != 1 || snap.Asks[0].Price != 0.0501 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFetchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests; current limit is 2400 request weight per 1 MINUTE."}`))
	}))
	defer srv.Close()

	var limited atomic.Int32
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Name == "rate_limit_exceeded" && m.Fields["source"] == "snapshot" {
			limited.Add(1)
		}
	})
	defer metrics.UnregisterMetricHandler(id)

	r := NewSnapshotReader(testConfig(srv.URL))
	_, err := r.Fetch(context.Background(), "BTCUSDT")
	if limited.Load() != 1 {
		t.Fatalf("rate limit reported %d times", limited.Load())
	}
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if models.Classify(err) != models.SeverityRateLimit {
		t.Fatalf("classified as %v", models.Classify(err))
	}
}

func TestFetchBadSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	r := NewSnapshotReader(testConfig(srv.URL))
	if _, err := r.Fetch(context.Background(), "NOPE"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestFetchConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := NewSnapshotReader(testConfig(url))
	if _, err := r.Fetch(context.Background(), "BTCUSDT"); !errors.Is(err, models.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestFetchHonorsContextWhileWaiting(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.SnapshotRPS = 0.001
	cfg.SnapshotBurst = 1
	r := NewSnapshotReader(cfg)
	r.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Fetch(ctx, "BTCUSDT"); !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSnapshotFromDepth(t *testing.T) {
	res := &depthResult{
		lastUpdateID: 7,
		bids:         []common.PriceLevel{{Price: "10", Quantity: "1"}},
		asks:         []common.PriceLevel{{Price: "11", Quantity: "0"}},
	}
	snap, err := snapshotFromDepth("ETHUSDT", res)
	if err != nil {
		t.Fatalf("snapshotFromDepth: %v", err)
	}
	if snap.LastUpdateID != 7 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	res.bids = []common.PriceLevel{{Price: "NaN", Quantity: "1"}}
	if _, err := snapshotFromDepth("ETHUSDT", res); !errors.Is(err, models.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := snapshotFromDepth("ETHUSDT", nil); !errors.Is(err, models.ErrParse) {
		t.Fatalf("expected parse error for nil, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if err := classify("X", &common.APIError{Code: -1015}); !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("got %v", err)
	}
	if err := classify("X", context.DeadlineExceeded); !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
}
