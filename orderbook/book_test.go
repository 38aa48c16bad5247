package orderbook

import (
	"errors"
	"math"
	"testing"
	"time"

	"marketstream/models"
)

func lvl(price, size float64) models.PriceLevel {
	return models.PriceLevel{Price: price, Size: size}
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	b, err := LoadSnapshot("BTCUSDT", 100, []models.PriceLevel{lvl(30000, 1.0)}, []models.PriceLevel{lvl(30001, 1.0)})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	return b
}

func TestSnapshotThenUpdatesScenario(t *testing.T) {
	b := newTestBook(t)

	if err := b.ApplyUpdate(101, 101, []models.PriceLevel{lvl(30000, 0)}, nil, time.Time{}); err != nil {
		t.Fatalf("apply 101: %v", err)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatal("expected no best bid after removal")
	}

	if err := b.ApplyUpdate(102, 102, nil, []models.PriceLevel{lvl(30001.5, 2.0)}, time.Time{}); err != nil {
		t.Fatalf("apply 102: %v", err)
	}
	ask, ok := b.BestAsk()
	if !ok || ask.Price != 30001 {
		t.Fatalf("unexpected best ask %+v", ask)
	}
	if err := b.ApplyUpdate(103, 103, nil, []models.PriceLevel{lvl(30001, 0)}, time.Time{}); err != nil {
		t.Fatalf("apply 103: %v", err)
	}
	ask, ok = b.BestAsk()
	if !ok || ask != lvl(30001.5, 2.0) {
		t.Fatalf("unexpected best ask %+v", ask)
	}
	if b.LastUpdateID() != 103 {
		t.Fatalf("last update id = %d", b.LastUpdateID())
	}
}

func TestApplyNextSequenceAlwaysSucceeds(t *testing.T) {
	for _, u := range []uint64{0, 1, 100, 1 << 40} {
		b, err := LoadSnapshot("ETHUSDT", u, nil, nil)
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if err := b.ApplyUpdate(u+1, u+5, []models.PriceLevel{lvl(10, 1)}, nil, time.Time{}); err != nil {
			t.Fatalf("apply after %d: %v", u, err)
		}
		if b.LastUpdateID() != u+5 {
			t.Fatalf("last update id %d want %d", b.LastUpdateID(), u+5)
		}
	}
}

func TestApplyOverlappingBatch(t *testing.T) {
	b := newTestBook(t)
	if err := b.ApplyUpdate(95, 105, []models.PriceLevel{lvl(29999, 3)}, nil, time.Time{}); err != nil {
		t.Fatalf("overlapping batch rejected: %v", err)
	}
	if b.LastUpdateID() != 105 {
		t.Fatalf("last update id = %d", b.LastUpdateID())
	}
}

func TestSequenceGap(t *testing.T) {
	b := newTestBook(t)
	err := b.ApplyUpdate(105, 110, []models.PriceLevel{lvl(29000, 1)}, nil, time.Time{})
	var gap *models.SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected sequence gap, got %v", err)
	}
	if gap.Expected != 101 || gap.Received != 105 {
		t.Fatalf("unexpected gap %+v", gap)
	}
	if !errors.Is(err, models.ErrSequenceGap) {
		t.Fatal("gap should match ErrSequenceGap")
	}
	if !b.Stale() {
		t.Fatal("book should be stale after a gap")
	}
	if b.LastUpdateID() != 100 {
		t.Fatalf("state changed on gap: %d", b.LastUpdateID())
	}
	if d, _ := b.Depth(); d != 1 {
		t.Fatalf("levels changed on gap: %d", d)
	}
}

func TestAlreadyAppliedBatchIsNoop(t *testing.T) {
	b := newTestBook(t)
	before := b.Clone()
	if err := b.ApplyUpdate(90, 100, []models.PriceLevel{lvl(30000, 0)}, []models.PriceLevel{lvl(30005, 9)}, time.Time{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	bid, _ := b.BestBid()
	wantBid, _ := before.BestBid()
	if bid != wantBid || b.LastUpdateID() != before.LastUpdateID() {
		t.Fatalf("state changed: bid %+v last %d", bid, b.LastUpdateID())
	}
	if _, asks := b.Depth(); asks != 1 {
		t.Fatalf("asks changed: %d", asks)
	}
}

func TestUpsertReplacesSize(t *testing.T) {
	b := newTestBook(t)
	steps := []models.PriceLevel{lvl(30000, 0), lvl(30000, 4.5), lvl(30000, 2)}
	for i, s := range steps {
		id := uint64(101 + i)
		if err := b.ApplyUpdate(id, id, []models.PriceLevel{s}, nil, time.Time{}); err != nil {
			t.Fatalf("apply %d: %v", id, err)
		}
	}
	bid, ok := b.BestBid()
	if !ok || bid.Size != 2 {
		t.Fatalf("expected replaced size 2, got %+v", bid)
	}
}

func TestInvalidLevelsRejectedWithoutMutation(t *testing.T) {
	b := newTestBook(t)
	err := b.ApplyUpdate(101, 101, []models.PriceLevel{lvl(29990, 1), lvl(math.NaN(), 1)}, nil, time.Time{})
	if !errors.Is(err, models.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if bids, _ := b.Depth(); bids != 1 || b.LastUpdateID() != 100 {
		t.Fatalf("book mutated by rejected batch")
	}

	if _, err := LoadSnapshot("BTCUSDT", 1, []models.PriceLevel{lvl(1, math.Inf(1))}, nil); err == nil {
		t.Fatal("expected snapshot with infinite size to fail")
	}
}

func TestCrossedUpdateMarksStale(t *testing.T) {
	b := newTestBook(t)
	err := b.ApplyUpdate(101, 101, []models.PriceLevel{lvl(30002, 1)}, nil, time.Time{})
	if !errors.Is(err, models.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if !b.Stale() || b.VerifyIntegrity() {
		t.Fatal("crossed book should be stale and fail integrity")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	b := newTestBook(t)
	if !b.VerifyIntegrity() {
		t.Fatal("valid book failed integrity")
	}
	b.asks.tree.ReplaceOrInsert(lvl(29999, 1))
	if b.VerifyIntegrity() {
		t.Fatal("forced crossed level passed integrity")
	}

	b = newTestBook(t)
	b.bids.tree.ReplaceOrInsert(lvl(29000, -1))
	if b.VerifyIntegrity() {
		t.Fatal("negative size passed integrity")
	}
}

func TestQueries(t *testing.T) {
	b, err := LoadSnapshot("BTCUSDT", 1,
		[]models.PriceLevel{lvl(99, 1), lvl(98, 2), lvl(90, 10)},
		[]models.PriceLevel{lvl(101, 1), lvl(102, 3), lvl(120, 5)},
	)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	mid, ok := b.MidPrice()
	if !ok || mid != 100 {
		t.Fatalf("mid = %v", mid)
	}
	spread, ok := b.SpreadBps()
	if !ok || math.Abs(spread-200) > 1e-9 {
		t.Fatalf("spread = %v", spread)
	}

	bidN, askN := b.LiquidityWithin(0.05)
	if bidN != 99+196 {
		t.Errorf("bid notional = %v", bidN)
	}
	if askN != 101+306 {
		t.Errorf("ask notional = %v", askN)
	}

	bids, asks := b.TopLevels(2)
	if len(bids) != 2 || bids[0].Price != 99 || bids[1].Price != 98 {
		t.Errorf("top bids = %+v", bids)
	}
	if len(asks) != 2 || asks[0].Price != 101 || asks[1].Price != 102 {
		t.Errorf("top asks = %+v", asks)
	}
	bids, _ = b.TopLevels(10)
	if len(bids) != 3 {
		t.Errorf("expected all 3 bids, got %d", len(bids))
	}
}

func TestEmptyBookQueries(t *testing.T) {
	b, err := LoadSnapshot("BTCUSDT", 1, nil, nil)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if _, ok := b.MidPrice(); ok {
		t.Fatal("mid on empty book")
	}
	if _, ok := b.SpreadBps(); ok {
		t.Fatal("spread on empty book")
	}
	if bn, an := b.LiquidityWithin(0.1); bn != 0 || an != 0 {
		t.Fatal("liquidity on empty book")
	}
	if !b.VerifyIntegrity() {
		t.Fatal("empty book should be consistent")
	}
}

func TestEventTimeRecorded(t *testing.T) {
	b := newTestBook(t)
	ts := time.Unix(1700000000, 0)
	if err := b.ApplyUpdate(101, 101, nil, nil, ts); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !b.Timestamp().Equal(ts) {
		t.Fatalf("timestamp = %v", b.Timestamp())
	}
}
