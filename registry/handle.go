package registry

import (
	"marketstream/models"
	"marketstream/orderbook"
)

// BookHandle gives shared read access to one book. Every call takes the
// book's read lock, so handles stay valid across resyncs.
type BookHandle struct {
	e *entry
}

// View runs fn under the read lock. fn must not retain the book.
func (h *BookHandle) View(fn func(*orderbook.Book)) {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	fn(h.e.book)
}

// Snapshot returns a private copy of the book.
func (h *BookHandle) Snapshot() *orderbook.Book {
	var c *orderbook.Book
	h.View(func(b *orderbook.Book) { c = b.Clone() })
	return c
}

func (h *BookHandle) BestBid() (lvl models.PriceLevel, ok bool) {
	h.View(func(b *orderbook.Book) { lvl, ok = b.BestBid() })
	return lvl, ok
}

func (h *BookHandle) BestAsk() (lvl models.PriceLevel, ok bool) {
	h.View(func(b *orderbook.Book) { lvl, ok = b.BestAsk() })
	return lvl, ok
}

func (h *BookHandle) MidPrice() (mid float64, ok bool) {
	h.View(func(b *orderbook.Book) { mid, ok = b.MidPrice() })
	return mid, ok
}

func (h *BookHandle) SpreadBps() (bps float64, ok bool) {
	h.View(func(b *orderbook.Book) { bps, ok = b.SpreadBps() })
	return bps, ok
}

func (h *BookHandle) LiquidityWithin(pct float64) (bidNotional, askNotional float64) {
	h.View(func(b *orderbook.Book) { bidNotional, askNotional = b.LiquidityWithin(pct) })
	return bidNotional, askNotional
}

func (h *BookHandle) TopLevels(n int) (bids, asks []models.PriceLevel) {
	h.View(func(b *orderbook.Book) { bids, asks = b.TopLevels(n) })
	return bids, asks
}

func (h *BookHandle) VerifyIntegrity() (ok bool) {
	h.View(func(b *orderbook.Book) { ok = b.VerifyIntegrity() })
	return ok
}

func (h *BookHandle) Stale() (stale bool) {
	h.View(func(b *orderbook.Book) { stale = b.Stale() })
	return stale
}

func (h *BookHandle) LastUpdateID() (id uint64) {
	h.View(func(b *orderbook.Book) { id = b.LastUpdateID() })
	return id
}

// touch returns best bid and ask in one locked read.
func (h *BookHandle) touch() (bid, ask models.PriceLevel, stale, ok bool) {
	h.View(func(b *orderbook.Book) {
		var okBid, okAsk bool
		bid, okBid = b.BestBid()
		ask, okAsk = b.BestAsk()
		stale = b.Stale()
		ok = okBid && okAsk
	})
	return bid, ask, stale, ok
}
