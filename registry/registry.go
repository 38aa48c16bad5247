// Package registry owns one order book per symbol and routes depth updates to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/orderbook"
)

const (
	component           = "book_registry"
	defaultThresholdBps = 1.0
)

// SnapshotFetcher loads a full depth image for a symbol.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, symbol models.Symbol) (models.Snapshot, error)
}

// SnapshotFetcherFunc adapts a function to SnapshotFetcher.
type SnapshotFetcherFunc func(ctx context.Context, symbol models.Symbol) (models.Snapshot, error)

func (f SnapshotFetcherFunc) Fetch(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
	return f(ctx, symbol)
}

type entry struct {
	mu      sync.RWMutex
	book    *orderbook.Book
	updates atomic.Uint64
	gaps    atomic.Uint64
}

// Registry maps symbols to books. The outer lock only guards membership; each
// book has its own lock so unrelated symbols never contend.
type Registry struct {
	mu    sync.RWMutex
	books map[models.Symbol]*entry

	fetcher     SnapshotFetcher
	cfg         config.BookConfig
	arb         config.ArbitrageConfig
	scanLimiter *rate.Limiter

	totalUpdates atomic.Uint64
	totalGaps    atomic.Uint64

	log *logger.Log
}

// New creates an empty registry. fetcher may be nil when snapshots are loaded
// explicitly with LoadSnapshot.
func New(cfg config.BookConfig, arb config.ArbitrageConfig, fetcher SnapshotFetcher) *Registry {
	if cfg.SlowUpdateThreshold <= 0 {
		cfg.SlowUpdateThreshold = 100 * time.Microsecond
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = 8
	}
	if arb.ThresholdBps <= 0 {
		arb.ThresholdBps = defaultThresholdBps
	}
	if arb.MinScanInterval <= 0 {
		arb.MinScanInterval = 100 * time.Millisecond
	}
	return &Registry{
		books:       make(map[models.Symbol]*entry),
		fetcher:     fetcher,
		cfg:         cfg,
		arb:         arb,
		scanLimiter: rate.NewLimiter(rate.Every(arb.MinScanInterval), 1),
		log:         logger.GetLogger(),
	}
}

func (r *Registry) entry(symbol models.Symbol) *entry {
	r.mu.RLock()
	e := r.books[symbol]
	r.mu.RUnlock()
	return e
}

// Initialize fetches snapshots for all symbols concurrently. A symbol whose
// snapshot fails is logged and skipped. It returns the symbols that loaded.
func (r *Registry) Initialize(ctx context.Context, symbols []models.Symbol) ([]models.Symbol, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no snapshot fetcher configured", models.ErrInvalidRequest)
	}
	log := r.log.WithComponent(component)
	start := time.Now()

	var (
		mu     sync.Mutex
		loaded = make([]models.Symbol, 0, len(symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.InitConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if err := r.Resync(gctx, symbol); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("failed to initialize book")
				return nil
			}
			mu.Lock()
			loaded = append(loaded, symbol)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(loaded, func(i, j int) bool { return loaded[i] < loaded[j] })
	log.WithFields(logger.Fields{
		"requested":   len(symbols),
		"initialized": len(loaded),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("order books initialized")

	if err := ctx.Err(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// Resync replaces the symbol's book with a freshly fetched snapshot. It is the
// recovery path after a sequence gap.
func (r *Registry) Resync(ctx context.Context, symbol models.Symbol) error {
	if r.fetcher == nil {
		return fmt.Errorf("%w: no snapshot fetcher configured", models.ErrInvalidRequest)
	}
	if err := symbol.Validate(); err != nil {
		return err
	}
	snap, err := r.fetcher.Fetch(ctx, symbol)
	if err != nil {
		metrics.EmitMetric(r.log, component, "snapshot_error", 1, "counter", logger.Fields{"symbol": string(symbol)})
		return fmt.Errorf("fetch snapshot %s: %w", symbol, err)
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	return r.LoadSnapshot(snap)
}

// LoadSnapshot installs a book built from snap, creating the symbol on first use.
func (r *Registry) LoadSnapshot(snap models.Snapshot) error {
	book, err := orderbook.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", snap.Symbol, err)
	}

	r.mu.Lock()
	e, ok := r.books[snap.Symbol]
	if !ok {
		// a new entry is published with its book already set
		r.books[snap.Symbol] = &entry{book: book}
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
		e.mu.Lock()
		e.book = book
		e.mu.Unlock()
	}

	bids, asks := book.Depth()
	r.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":         snap.Symbol,
		"last_update_id": snap.LastUpdateID,
		"bids":           bids,
		"asks":           asks,
	}).Debug("snapshot loaded")
	return nil
}

// ProcessUpdate applies a depth update to the symbol's book. Sequence gaps are
// returned to the caller, who must resync; they are never retried here.
func (r *Registry) ProcessUpdate(symbol models.Symbol, update models.DepthUpdate) error {
	if update.Snapshot {
		return r.LoadSnapshot(models.Snapshot{
			Symbol:       symbol,
			LastUpdateID: update.FinalID,
			Bids:         update.Bids,
			Asks:         update.Asks,
		})
	}
	start := time.Now()
	e := r.entry(symbol)
	if e == nil {
		return fmt.Errorf("%w: unknown symbol %s", models.ErrInvalidRequest, symbol)
	}

	e.mu.Lock()
	err := e.book.Apply(update)
	e.mu.Unlock()
	latency := time.Since(start)

	if err != nil {
		r.recordFailure(e, symbol, update, err)
		return err
	}

	e.updates.Add(1)
	r.totalUpdates.Add(1)

	if latency > r.cfg.SlowUpdateThreshold {
		fields := logger.Fields{"symbol": string(symbol), "threshold_us": r.cfg.SlowUpdateThreshold.Microseconds()}
		logger.LogPerformanceEntry(r.log.WithComponent(component), component, "process_update", latency, fields)
		metrics.EmitMetric(r.log, component, "slow_update", latency.Microseconds(), "gauge", logger.Fields{
			"symbol": string(symbol),
			"unit":   "microseconds",
		})
	}
	return nil
}

func (r *Registry) recordFailure(e *entry, symbol models.Symbol, update models.DepthUpdate, err error) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":   symbol,
		"first_id": update.FirstID,
		"final_id": update.FinalID,
	})
	var gap *models.SequenceGapError
	switch {
	case errors.As(err, &gap):
		e.gaps.Add(1)
		r.totalGaps.Add(1)
		log.WithFields(logger.Fields{"expected": gap.Expected, "received": gap.Received}).Warn("sequence gap; book needs resync")
		metrics.EmitMetric(r.log, component, "sequence_gap", 1, "counter", logger.Fields{"symbol": string(symbol)})
	case errors.Is(err, models.ErrInternal):
		log.WithError(err).Error("book integrity violated; marked stale")
		metrics.EmitMetric(r.log, component, "crossed_book", 1, "counter", logger.Fields{"symbol": string(symbol)})
	default:
		log.WithError(err).Warn("update rejected")
	}
}

// GetBook returns a read handle for the symbol's book.
func (r *Registry) GetBook(symbol models.Symbol) (*BookHandle, bool) {
	e := r.entry(symbol)
	if e == nil {
		return nil, false
	}
	return &BookHandle{e: e}, true
}

// Remove drops the symbol's book. It reports whether the symbol existed.
func (r *Registry) Remove(symbol models.Symbol) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.books[symbol]; !ok {
		return false
	}
	delete(r.books, symbol)
	return true
}

// Symbols lists registered symbols in sorted order.
func (r *Registry) Symbols() []models.Symbol {
	r.mu.RLock()
	out := make([]models.Symbol, 0, len(r.books))
	for s := range r.books {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StaleSymbols lists books waiting for a fresh snapshot.
func (r *Registry) StaleSymbols() []models.Symbol {
	var out []models.Symbol
	for _, s := range r.Symbols() {
		if h, ok := r.GetBook(s); ok && h.Stale() {
			out = append(out, s)
		}
	}
	return out
}

// BookStats describes one book.
type BookStats struct {
	Symbol       models.Symbol
	Bids         int
	Asks         int
	Updates      uint64
	Gaps         uint64
	LastUpdateID uint64
	Stale        bool
}

// Stats is a registry-wide summary.
type Stats struct {
	TotalUpdates uint64
	TotalGaps    uint64
	Books        []BookStats
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total updates: %d\n", s.TotalUpdates)
	fmt.Fprintf(&b, "Sequence gaps: %d\n", s.TotalGaps)
	b.WriteString("Books:\n")
	for _, bs := range s.Books {
		fmt.Fprintf(&b, "  %s: %d bids, %d asks, %d updates", bs.Symbol, bs.Bids, bs.Asks, bs.Updates)
		if bs.Stale {
			b.WriteString(" (stale)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Registry) Stats() Stats {
	s := Stats{
		TotalUpdates: r.totalUpdates.Load(),
		TotalGaps:    r.totalGaps.Load(),
	}
	for _, sym := range r.Symbols() {
		e := r.entry(sym)
		if e == nil {
			continue
		}
		e.mu.RLock()
		bids, asks := e.book.Depth()
		bs := BookStats{
			Symbol:       sym,
			Bids:         bids,
			Asks:         asks,
			Updates:      e.updates.Load(),
			Gaps:         e.gaps.Load(),
			LastUpdateID: e.book.LastUpdateID(),
			Stale:        e.book.Stale(),
		}
		e.mu.RUnlock()
		s.Books = append(s.Books, bs)
	}
	return s
}

// BookGauges adapts Stats for the Prometheus collector.
func (r *Registry) BookGauges() []metrics.BookGauge {
	stats := r.Stats()
	out := make([]metrics.BookGauge, 0, len(stats.Books))
	for _, b := range stats.Books {
		out = append(out, metrics.BookGauge{
			Symbol:  string(b.Symbol),
			Bids:    b.Bids,
			Asks:    b.Asks,
			Updates: b.Updates,
			Gaps:    b.Gaps,
			Stale:   b.Stale,
		})
	}
	return out
}
