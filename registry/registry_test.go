package registry

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/models"
)

func lvl(price, size float64) models.PriceLevel {
	return models.PriceLevel{Price: price, Size: size}
}

func snap(symbol models.Symbol, id uint64, bid, ask float64) models.Snapshot {
	return models.Snapshot{
		Symbol:       symbol,
		LastUpdateID: id,
		Bids:         []models.PriceLevel{lvl(bid, 1)},
		Asks:         []models.PriceLevel{lvl(ask, 1)},
	}
}

func newRegistry(fetcher SnapshotFetcher) *Registry {
	return New(config.BookConfig{}, config.ArbitrageConfig{ThresholdBps: 1}, fetcher)
}

func TestInitializeSkipsFailedSymbols(t *testing.T) {
	var calls atomic.Int32
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
		calls.Add(1)
		if symbol == "BADUSDT" {
			return models.Snapshot{}, models.ErrConnection
		}
		return snap(symbol, 10, 100, 101), nil
	})
	r := newRegistry(fetcher)

	loaded, err := r.Initialize(context.Background(), []models.Symbol{"ETHUSDT", "BADUSDT", "BTCUSDT"})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("fetcher called %d times", calls.Load())
	}
	if len(loaded) != 2 || loaded[0] != "BTCUSDT" || loaded[1] != "ETHUSDT" {
		t.Fatalf("loaded = %v", loaded)
	}
	if _, ok := r.GetBook("BADUSDT"); ok {
		t.Fatal("failed symbol should not be registered")
	}
	if got := r.Symbols(); len(got) != 2 {
		t.Fatalf("symbols = %v", got)
	}
}

func TestInitializeWithoutFetcher(t *testing.T) {
	r := newRegistry(nil)
	if _, err := r.Initialize(context.Background(), []models.Symbol{"BTCUSDT"}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestProcessUpdateRoutesToBook(t *testing.T) {
	r := newRegistry(nil)
	if err := r.LoadSnapshot(snap("BTCUSDT", 100, 30000, 30001)); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	err := r.ProcessUpdate("BTCUSDT", models.DepthUpdate{
		FirstID: 101,
		FinalID: 101,
		Bids:    []models.PriceLevel{lvl(30000.5, 2)},
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}

	h, ok := r.GetBook("BTCUSDT")
	if !ok {
		t.Fatal("book missing")
	}
	bid, ok := h.BestBid()
	if !ok || bid != lvl(30000.5, 2) {
		t.Fatalf("best bid = %+v", bid)
	}
	if h.LastUpdateID() != 101 {
		t.Fatalf("last update id = %d", h.LastUpdateID())
	}

	stats := r.Stats()
	if stats.TotalUpdates != 1 || len(stats.Books) != 1 || stats.Books[0].Updates != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !strings.Contains(stats.String(), "BTCUSDT: 2 bids, 1 asks, 1 updates") {
		t.Fatalf("stats string:\n%s", stats)
	}
}

func TestProcessUpdateUnknownSymbol(t *testing.T) {
	r := newRegistry(nil)
	err := r.ProcessUpdate("XRPUSDT", models.DepthUpdate{FirstID: 1, FinalID: 1})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestSequenceGapThenResync(t *testing.T) {
	var next atomic.Uint64
	next.Store(100)
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
		return snap(symbol, next.Load(), 30000, 30001), nil
	})
	r := newRegistry(fetcher)
	if err := r.Resync(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	err := r.ProcessUpdate("BTCUSDT", models.DepthUpdate{FirstID: 105, FinalID: 106})
	var gap *models.SequenceGapError
	if !errors.As(err, &gap) || gap.Expected != 101 || gap.Received != 105 {
		t.Fatalf("expected sequence gap, got %v", err)
	}
	if got := r.StaleSymbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("stale symbols = %v", got)
	}
	if r.Stats().TotalGaps != 1 {
		t.Fatalf("gaps not counted")
	}

	h, _ := r.GetBook("BTCUSDT")
	next.Store(200)
	if err := r.Resync(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if h.Stale() || h.LastUpdateID() != 200 {
		t.Fatalf("handle did not observe resync: stale=%v id=%d", h.Stale(), h.LastUpdateID())
	}
	if err := r.ProcessUpdate("BTCUSDT", models.DepthUpdate{FirstID: 201, FinalID: 201}); err != nil {
		t.Fatalf("update after resync: %v", err)
	}
}

func TestResyncFetchError(t *testing.T) {
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
		return models.Snapshot{}, models.ErrRateLimited
	})
	r := newRegistry(fetcher)
	if err := r.Resync(context.Background(), "BTCUSDT"); !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
}

func TestSlowUpdateEmitsMetric(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		mu.Lock()
		seen = append(seen, m.Name)
		mu.Unlock()
	})
	defer metrics.UnregisterMetricHandler(id)

	r := New(config.BookConfig{SlowUpdateThreshold: time.Nanosecond}, config.ArbitrageConfig{}, nil)
	if err := r.LoadSnapshot(snap("BTCUSDT", 1, 100, 101)); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := r.ProcessUpdate("BTCUSDT", models.DepthUpdate{FirstID: 2, FinalID: 2, Bids: []models.PriceLevel{lvl(99, 1)}}); err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, name := range seen {
		if name == "slow_update" {
			found = true
		}
	}
	if !found {
		t.Fatalf("slow_update not emitted, saw %v", seen)
	}
}

func TestConcurrentUpdatesAcrossSymbols(t *testing.T) {
	r := newRegistry(nil)
	symbols := []models.Symbol{"AUSDT", "BUSDT", "CUSDT", "DUSDT"}
	for _, s := range symbols {
		if err := r.LoadSnapshot(snap(s, 0, 100, 101)); err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
	}

	const perSymbol = 200
	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(2)
		go func(s models.Symbol) {
			defer wg.Done()
			for i := uint64(1); i <= perSymbol; i++ {
				price := 90 + float64(i%10)
				if err := r.ProcessUpdate(s, models.DepthUpdate{FirstID: i, FinalID: i, Bids: []models.PriceLevel{lvl(price, float64(i))}}); err != nil {
					t.Errorf("%s update %d: %v", s, i, err)
					return
				}
			}
		}(s)
		go func(s models.Symbol) {
			defer wg.Done()
			h, _ := r.GetBook(s)
			for i := 0; i < perSymbol; i++ {
				if !h.VerifyIntegrity() {
					t.Errorf("%s integrity violated", s)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	if got := r.Stats().TotalUpdates; got != uint64(len(symbols)*perSymbol) {
		t.Fatalf("total updates = %d", got)
	}
}

func TestRemove(t *testing.T) {
	r := newRegistry(nil)
	_ = r.LoadSnapshot(snap("BTCUSDT", 1, 100, 101))
	if !r.Remove("BTCUSDT") {
		t.Fatal("expected removal")
	}
	if r.Remove("BTCUSDT") {
		t.Fatal("second removal should report false")
	}
	if len(r.BookGauges()) != 0 {
		t.Fatal("gauges should be empty")
	}
}

func TestHandleQueries(t *testing.T) {
	r := newRegistry(nil)
	err := r.LoadSnapshot(models.Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 1,
		Bids:         []models.PriceLevel{lvl(99, 10), lvl(90, 10)},
		Asks:         []models.PriceLevel{lvl(101, 10), lvl(110, 10)},
	})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	h, _ := r.GetBook("BTCUSDT")

	if mid, ok := h.MidPrice(); !ok || mid != 100 {
		t.Fatalf("mid = %v", mid)
	}
	if bps, ok := h.SpreadBps(); !ok || math.Abs(bps-200) > 1e-9 {
		t.Fatalf("spread = %v", bps)
	}
	bidN, askN := h.LiquidityWithin(0.05)
	if bidN != 990 || askN != 1010 {
		t.Fatalf("liquidity = %v/%v", bidN, askN)
	}
	bids, asks := h.TopLevels(1)
	if len(bids) != 1 || bids[0].Price != 99 || len(asks) != 1 || asks[0].Price != 101 {
		t.Fatalf("top levels = %v %v", bids, asks)
	}

	clone := h.Snapshot()
	_ = r.ProcessUpdate("BTCUSDT", models.DepthUpdate{FirstID: 2, FinalID: 2, Bids: []models.PriceLevel{lvl(99, 0)}})
	if b, _ := clone.BestBid(); b.Price != 99 {
		t.Fatal("snapshot should be detached from the live book")
	}
}

func TestProcessUpdateStreamSnapshotReplacesBook(t *testing.T) {
	r := newRegistry(nil)
	_ = r.LoadSnapshot(snap("BTCUSDT", 10, 100, 101))

	err := r.ProcessUpdate("BTCUSDT", models.DepthUpdate{
		FirstID:  500,
		FinalID:  500,
		Bids:     []models.PriceLevel{lvl(200, 1)},
		Asks:     []models.PriceLevel{lvl(201, 1)},
		Snapshot: true,
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	h, _ := r.GetBook("BTCUSDT")
	if h.LastUpdateID() != 500 {
		t.Fatalf("last update id = %d", h.LastUpdateID())
	}
	if bid, _ := h.BestBid(); bid.Price != 200 {
		t.Fatalf("best bid = %+v", bid)
	}
}
