package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

const (
	defaultDirectSize  = 0.1
	defaultTriNotional = 1000.0
)

type touch struct {
	bid, ask float64
}

// quote reads the touch of a live, non-stale book.
func (r *Registry) quote(symbol models.Symbol) (touch, bool) {
	h, ok := r.GetBook(symbol)
	if !ok {
		return touch{}, false
	}
	bid, ask, stale, ok := h.touch()
	if !ok || stale || ask.Price <= 0 {
		return touch{}, false
	}
	return touch{bid: bid.Price, ask: ask.Price}, true
}

func newOpportunity(kind models.ArbitrageKind, profit, size float64, buy, sell models.Symbol) models.ArbitrageOpportunity {
	return models.ArbitrageOpportunity{
		ID:         uuid.NewString(),
		Kind:       kind,
		SymbolPair: [2]models.Symbol{buy, sell},
		ProfitBps:  profit,
		Side:       models.SideBuy,
		Size:       size,
		BuyLeg:     buy,
		SellLeg:    sell,
		DetectedAt: time.Now(),
	}
}

// FindDirectArbitrage compares each configured pair in both directions: buy one
// book at its ask and sell the other at its bid.
func (r *Registry) FindDirectArbitrage() []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, pair := range r.arb.DirectPairs {
		first, second := models.Symbol(pair.First), models.Symbol(pair.Second)
		a, okA := r.quote(first)
		b, okB := r.quote(second)
		if !okA || !okB {
			continue
		}
		size := pair.Size
		if size <= 0 {
			size = defaultDirectSize
		}

		if profit := (b.bid - a.ask) / a.ask * 10000; profit > r.arb.ThresholdBps {
			out = append(out, newOpportunity(models.ArbitrageDirect, profit, size, first, second))
		}
		if profit := (a.bid - b.ask) / b.ask * 10000; profit > r.arb.ThresholdBps {
			out = append(out, newOpportunity(models.ArbitrageDirect, profit, size, second, first))
		}
	}
	return out
}

// FindTriangularArbitrage simulates a round trip through each configured cycle
// in both directions, starting from the triangle's notional in the quote asset.
//
//	path 1: quote -> base (buy Base) -> alt (buy Cross) -> quote (sell Alt)
//	path 2: quote -> alt (buy Alt) -> base (sell Cross) -> quote (sell Base)
func (r *Registry) FindTriangularArbitrage() []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, tri := range r.arb.Triangles {
		baseSym, altSym, crossSym := models.Symbol(tri.Base), models.Symbol(tri.Alt), models.Symbol(tri.Cross)
		base, ok1 := r.quote(baseSym)
		alt, ok2 := r.quote(altSym)
		cross, ok3 := r.quote(crossSym)
		if !ok1 || !ok2 || !ok3 || cross.bid <= 0 {
			continue
		}
		notional := tri.Notional
		if notional <= 0 {
			notional = defaultTriNotional
		}

		end1 := notional / base.ask / cross.ask * alt.bid
		if profit := (end1 - notional) / notional * 10000; profit > r.arb.ThresholdBps {
			opp := newOpportunity(models.ArbitrageTriangular, profit, notional, baseSym, altSym)
			opp.Path = []models.Symbol{baseSym, crossSym, altSym}
			out = append(out, opp)
		}

		end2 := notional / alt.ask * cross.bid * base.bid
		if profit := (end2 - notional) / notional * 10000; profit > r.arb.ThresholdBps {
			opp := newOpportunity(models.ArbitrageTriangular, profit, notional, altSym, baseSym)
			opp.Path = []models.Symbol{altSym, crossSym, baseSym}
			out = append(out, opp)
		}
	}
	return out
}

// FindAllArbitrage runs both scans, best first. Calls closer together than the
// minimum scan interval return nil without scanning.
func (r *Registry) FindAllArbitrage() []models.ArbitrageOpportunity {
	if !r.scanLimiter.Allow() {
		return nil
	}

	all := append(r.FindDirectArbitrage(), r.FindTriangularArbitrage()...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].ProfitBps > all[j].ProfitBps })

	if len(all) > 0 {
		metrics.EmitMetric(r.log, component, "arbitrage_opportunities", len(all), "gauge", logger.Fields{
			"best_bps": fmt.Sprintf("%.2f", all[0].ProfitBps),
		})
	}
	return all
}
