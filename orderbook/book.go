// Package orderbook keeps a sequence-consistent price ladder for one symbol.
package orderbook

import (
	"fmt"
	"time"

	"marketstream/models"
)

// Book is a per-symbol bid/ask ladder. It is not safe for concurrent use;
// the registry serializes access per symbol.
type Book struct {
	symbol       models.Symbol
	bids         *ladder
	asks         *ladder
	lastUpdateID uint64
	timestamp    time.Time
	stale        bool
}

// LoadSnapshot builds a book from a full depth image. Zero-size levels are skipped.
func LoadSnapshot(symbol models.Symbol, lastUpdateID uint64, bids, asks []models.PriceLevel) (*Book, error) {
	if err := symbol.Validate(); err != nil {
		return nil, err
	}
	if err := validateLevels(bids, asks); err != nil {
		return nil, err
	}
	b := &Book{
		symbol:       symbol,
		bids:         newLadder(true),
		asks:         newLadder(false),
		lastUpdateID: lastUpdateID,
		timestamp:    time.Now(),
	}
	for _, lvl := range bids {
		b.bids.set(lvl)
	}
	for _, lvl := range asks {
		b.asks.set(lvl)
	}
	b.stale = b.crossed()
	return b, nil
}

// FromSnapshot is LoadSnapshot for a models.Snapshot.
func FromSnapshot(snap models.Snapshot) (*Book, error) {
	return LoadSnapshot(snap.Symbol, snap.LastUpdateID, snap.Bids, snap.Asks)
}

func validateLevels(sides ...[]models.PriceLevel) error {
	for _, side := range sides {
		for _, lvl := range side {
			if err := lvl.Valid(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyUpdate applies the change set covering update ids [firstID, finalID].
//
// A batch starting past lastUpdateID+1 returns *models.SequenceGapError and marks
// the book stale. A batch ending at or before lastUpdateID is already applied and
// is ignored. Invalid levels reject the whole batch before anything changes.
// A batch that leaves the book crossed is kept, marks the book stale and returns
// an ErrInternal error.
func (b *Book) ApplyUpdate(firstID, finalID uint64, bids, asks []models.PriceLevel, eventTime time.Time) error {
	if firstID > b.lastUpdateID+1 {
		b.stale = true
		return &models.SequenceGapError{Symbol: b.symbol, Expected: b.lastUpdateID + 1, Received: firstID}
	}
	if finalID <= b.lastUpdateID {
		return nil
	}
	if err := validateLevels(bids, asks); err != nil {
		return err
	}

	for _, lvl := range bids {
		b.bids.set(lvl)
	}
	for _, lvl := range asks {
		b.asks.set(lvl)
	}
	b.lastUpdateID = finalID
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	b.timestamp = eventTime

	if b.crossed() {
		b.stale = true
		bid, _ := b.bids.best()
		ask, _ := b.asks.best()
		return fmt.Errorf("%w: %s crossed at update %d (bid %v >= ask %v)", models.ErrInternal, b.symbol, finalID, bid.Price, ask.Price)
	}
	return nil
}

// Apply is ApplyUpdate for a models.DepthUpdate.
func (b *Book) Apply(u models.DepthUpdate) error {
	return b.ApplyUpdate(u.FirstID, u.FinalID, u.Bids, u.Asks, u.EventTime)
}

func (b *Book) BestBid() (models.PriceLevel, bool) {
	return b.bids.best()
}

func (b *Book) BestAsk() (models.PriceLevel, bool) {
	return b.asks.best()
}

func (b *Book) MidPrice() (float64, bool) {
	bid, ok := b.bids.best()
	if !ok {
		return 0, false
	}
	ask, ok := b.asks.best()
	if !ok {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadBps is (ask - bid) / mid in basis points.
func (b *Book) SpreadBps() (float64, bool) {
	mid, ok := b.MidPrice()
	if !ok {
		return 0, false
	}
	bid, _ := b.bids.best()
	ask, _ := b.asks.best()
	return (ask.Price - bid.Price) / mid * 10000, true
}

// LiquidityWithin sums the notional resting within pct (a fraction, 0.01 = 1%)
// of the mid price on each side.
func (b *Book) LiquidityWithin(pct float64) (bidNotional, askNotional float64) {
	mid, ok := b.MidPrice()
	if !ok {
		return 0, 0
	}
	lower := mid * (1 - pct)
	upper := mid * (1 + pct)

	b.bids.walk(func(lvl models.PriceLevel) bool {
		if lvl.Price < lower {
			return false
		}
		bidNotional += lvl.Notional()
		return true
	})
	b.asks.walk(func(lvl models.PriceLevel) bool {
		if lvl.Price > upper {
			return false
		}
		askNotional += lvl.Notional()
		return true
	})
	return bidNotional, askNotional
}

// TopLevels returns up to n levels per side, best first.
func (b *Book) TopLevels(n int) (bids, asks []models.PriceLevel) {
	return b.bids.top(n), b.asks.top(n)
}

func (b *Book) crossed() bool {
	bid, okBid := b.bids.best()
	ask, okAsk := b.asks.best()
	return okBid && okAsk && bid.Price >= ask.Price
}

// VerifyIntegrity reports whether best bid < best ask and every size is positive.
func (b *Book) VerifyIntegrity() bool {
	if b.crossed() {
		return false
	}
	valid := true
	check := func(lvl models.PriceLevel) bool {
		if lvl.Size <= 0 {
			valid = false
		}
		return valid
	}
	b.bids.walk(check)
	if valid {
		b.asks.walk(check)
	}
	return valid
}

// Stale is set by a sequence gap or a crossed book and cleared only by a new snapshot.
func (b *Book) Stale() bool { return b.stale }

func (b *Book) Symbol() models.Symbol { return b.symbol }

func (b *Book) LastUpdateID() uint64 { return b.lastUpdateID }

func (b *Book) Timestamp() time.Time { return b.timestamp }

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.len(), b.asks.len()
}

// Clone returns an independent copy.
func (b *Book) Clone() *Book {
	c := *b
	c.bids = b.bids.clone()
	c.asks = b.asks.clone()
	return &c
}
