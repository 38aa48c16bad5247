package registry

import (
	"math"
	"testing"
	"time"

	"marketstream/config"
	"marketstream/models"
)

func arbRegistry(t *testing.T, arb config.ArbitrageConfig, books ...models.Snapshot) *Registry {
	t.Helper()
	r := New(config.BookConfig{}, arb, nil)
	for _, b := range books {
		if err := r.LoadSnapshot(b); err != nil {
			t.Fatalf("LoadSnapshot %s: %v", b.Symbol, err)
		}
	}
	return r
}

func TestFindDirectArbitrage(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC"}}},
		snap("BTCUSDT", 1, 29990, 30000),
		snap("BTCUSDC", 1, 30100, 30110),
	)

	opps := r.FindDirectArbitrage()
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	o := opps[0]
	if o.Kind != models.ArbitrageDirect || o.BuyLeg != "BTCUSDT" || o.SellLeg != "BTCUSDC" {
		t.Fatalf("unexpected opportunity %+v", o)
	}
	want := (30100.0 - 30000.0) / 30000.0 * 10000
	if math.Abs(o.ProfitBps-want) > 1e-9 {
		t.Fatalf("profit = %v want %v", o.ProfitBps, want)
	}
	if o.Size != defaultDirectSize || o.ID == "" {
		t.Fatalf("size/id not set: %+v", o)
	}
}

func TestDefaultThresholdIsOneBps(t *testing.T) {
	pairs := config.ArbitrageConfig{DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC"}}}

	r := arbRegistry(t, pairs, snap("BTCUSDT", 1, 29990, 30000), snap("BTCUSDC", 1, 30001.5, 30010))
	if r.arb.ThresholdBps != 1 {
		t.Fatalf("threshold = %v", r.arb.ThresholdBps)
	}
	if opps := r.FindDirectArbitrage(); len(opps) != 0 {
		t.Fatalf("half a bp reported: %+v", opps)
	}

	r = arbRegistry(t, pairs, snap("BTCUSDT", 1, 29990, 30000), snap("BTCUSDC", 1, 30006, 30010))
	if opps := r.FindDirectArbitrage(); len(opps) != 1 {
		t.Fatalf("expected 2bp opportunity, got %+v", opps)
	}
}

func TestFindDirectArbitrageBelowThreshold(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{ThresholdBps: 50, DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC", Size: 1}}},
		snap("BTCUSDT", 1, 29990, 30000),
		snap("BTCUSDC", 1, 30100, 30110),
	)
	if opps := r.FindDirectArbitrage(); len(opps) != 0 {
		t.Fatalf("expected none, got %+v", opps)
	}
}

func TestFindDirectArbitrageSkipsStaleBooks(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC"}}},
		snap("BTCUSDT", 1, 29990, 30000),
		snap("BTCUSDC", 1, 30100, 30110),
	)
	if err := r.ProcessUpdate("BTCUSDC", models.DepthUpdate{FirstID: 9, FinalID: 9}); err == nil {
		t.Fatal("expected gap")
	}
	if opps := r.FindDirectArbitrage(); len(opps) != 0 {
		t.Fatalf("stale book used: %+v", opps)
	}
}

func TestFindDirectArbitrageMissingBook(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC"}}},
		snap("BTCUSDT", 1, 29990, 30000),
	)
	if opps := r.FindDirectArbitrage(); len(opps) != 0 {
		t.Fatalf("expected none, got %+v", opps)
	}
}

func TestFindTriangularArbitrage(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{Triangles: []config.Triangle{{Name: "btc-eth", Base: "BTCUSDT", Alt: "ETHUSDT", Cross: "ETHBTC"}}},
		snap("BTCUSDT", 1, 29990, 30000),
		snap("ETHUSDT", 1, 2000, 2001),
		snap("ETHBTC", 1, 0.0659, 0.066),
	)

	opps := r.FindTriangularArbitrage()
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %+v", opps)
	}
	o := opps[0]
	end := 1000.0 / 30000 / 0.066 * 2000
	want := (end - 1000) / 1000 * 10000
	if math.Abs(o.ProfitBps-want) > 1e-9 {
		t.Fatalf("profit = %v want %v", o.ProfitBps, want)
	}
	if o.Kind != models.ArbitrageTriangular || len(o.Path) != 3 || o.Path[1] != "ETHBTC" {
		t.Fatalf("unexpected opportunity %+v", o)
	}
	if o.Size != defaultTriNotional {
		t.Fatalf("size = %v", o.Size)
	}
}

func TestFindTriangularReversePath(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{Triangles: []config.Triangle{{Base: "BTCUSDT", Alt: "ETHUSDT", Cross: "ETHBTC", Notional: 500}}},
		snap("BTCUSDT", 1, 30000, 30010),
		snap("ETHUSDT", 1, 1899, 1900),
		snap("ETHBTC", 1, 0.066, 0.0661),
	)
	opps := r.FindTriangularArbitrage()
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %+v", opps)
	}
	if opps[0].Path[0] != "ETHUSDT" || opps[0].Size != 500 {
		t.Fatalf("unexpected path %+v", opps[0])
	}
}

func TestFindAllArbitrageRateLimited(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{
			MinScanInterval: time.Hour,
			DirectPairs:     []config.DirectPair{{First: "BTCUSDT", Second: "BTCUSDC"}},
			Triangles:       []config.Triangle{{Base: "BTCUSDT", Alt: "ETHUSDT", Cross: "ETHBTC"}},
		},
		snap("BTCUSDT", 1, 29990, 30000),
		snap("BTCUSDC", 1, 30100, 30110),
		snap("ETHUSDT", 1, 2000, 2001),
		snap("ETHBTC", 1, 0.0659, 0.066),
	)

	opps := r.FindAllArbitrage()
	if len(opps) != 2 {
		t.Fatalf("expected 2 opportunities, got %+v", opps)
	}
	if opps[0].ProfitBps < opps[1].ProfitBps {
		t.Fatal("opportunities not sorted by profit")
	}
	if again := r.FindAllArbitrage(); len(again) != 0 {
		t.Fatalf("scan inside min interval returned %d results", len(again))
	}
}

func TestDirectArbitrageScenario(t *testing.T) {
	r := arbRegistry(t,
		config.ArbitrageConfig{DirectPairs: []config.DirectPair{{First: "BTCUSDT", Second: "BTCFDUSD"}}},
		snap("BTCUSDT", 1, 30010, 30011),
		snap("BTCFDUSD", 1, 30020, 30021),
	)

	opps := r.FindDirectArbitrage()
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	o := opps[0]
	if o.BuyLeg != "BTCUSDT" || o.SellLeg != "BTCFDUSD" {
		t.Fatalf("unexpected legs %+v", o)
	}
	if math.Abs(o.ProfitBps-3.0) > 0.01 {
		t.Fatalf("profit = %v want ~3.0", o.ProfitBps)
	}
	if o.DetectedAt.IsZero() {
		t.Fatal("detected_at not set")
	}
}
