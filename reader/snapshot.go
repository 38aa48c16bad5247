// Package reader selects the REST snapshot source for the streamed exchange.
package reader

import (
	"context"
	"fmt"
	"strings"

	"marketstream/config"
	"marketstream/models"
	"marketstream/reader/binance"
	"marketstream/reader/bybit"
)

// SnapshotFetcher loads a full depth image for a symbol.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, symbol models.Symbol) (models.Snapshot, error)
}

// NewSnapshotFetcher returns the snapshot reader for exchange. Books must be
// seeded from the exchange that streams their updates, so an exchange without
// a reader is an error rather than a fallback.
func NewSnapshotFetcher(exchange string, cfg config.BookConfig) (SnapshotFetcher, error) {
	switch strings.ToLower(exchange) {
	case "", "binance":
		return binance.NewSnapshotReader(cfg), nil
	case "bybit":
		return bybit.NewSnapshotReader(cfg), nil
	default:
		return nil, fmt.Errorf("%w: no snapshot source for exchange %q", models.ErrInvalidRequest, exchange)
	}
}
