// Package bybit fetches order book snapshots from Bybit's v5 market API.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

const (
	component = "bybit_snapshot"
	exchange  = "bybit"

	linearMaxLimit = 500
	spotMaxLimit   = 200
)

// rateLimitCodes are the v5 retCodes for too many visits and IP bans.
var rateLimitCodes = map[int]bool{10006: true, 10018: true}

// SnapshotReader implements registry.SnapshotFetcher against
// /v5/market/orderbook. Requests are paced by a token bucket shared across
// symbols.
type SnapshotReader struct {
	client   *bybitapi.Client
	category string
	limiter  *rate.Limiter
	limit    int
	log      *logger.Log
}

func NewSnapshotReader(cfg config.BookConfig) *SnapshotReader {
	log := logger.GetLogger()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := config.DefaultSnapshotURL(exchange, cfg.Market)
	if parsed, err := url.Parse(cfg.SnapshotURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	client := bybitapi.NewBybitHttpClient("", "", bybitapi.WithBaseURL(base))
	client.HTTPClient = &http.Client{
		Transport: &statusTransport{next: http.DefaultTransport, log: log},
		Timeout:   timeout,
	}

	category, maxLimit := "linear", linearMaxLimit
	if cfg.Market == config.MarketSpot {
		category, maxLimit = "spot", spotMaxLimit
	}
	limit := cfg.SnapshotLimit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	rps := cfg.SnapshotRPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.SnapshotBurst
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent(component).WithFields(logger.Fields{
		"endpoint": base,
		"category": category,
		"limit":    limit,
		"rps":      rps,
	}).Info("snapshot reader initialized")

	return &SnapshotReader{
		client:   client,
		category: category,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		limit:    limit,
		log:      log,
	}
}

// Fetch downloads the order book snapshot for symbol.
func (r *SnapshotReader) Fetch(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: waiting for snapshot slot: %v", models.ErrTimeout, err)
	}

	// the client library drops transport errors, so the status is read back
	// from the round trip
	state := &fetchState{}
	ctx = context.WithValue(ctx, fetchStateKey{}, state)

	params := map[string]interface{}{
		"category": r.category,
		"symbol":   string(symbol),
		"limit":    r.limit,
	}
	start := time.Now()
	resp, err := r.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil || resp == nil {
		return models.Snapshot{}, classify(ctx, symbol, state, err)
	}
	if resp.RetCode != 0 {
		return models.Snapshot{}, retCodeError(symbol, resp.RetCode, resp.RetMsg)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: encode result for %s: %v", models.ErrParse, symbol, err)
	}
	var book models.BybitBook
	if err := json.Unmarshal(payload, &book); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: decode orderbook for %s: %v", models.ErrParse, symbol, err)
	}
	snap, err := snapshotFromBook(symbol, book)
	if err != nil {
		return models.Snapshot{}, err
	}

	logger.LogPerformanceEntry(r.log.WithComponent(component), component, "api_request", time.Since(start), logger.Fields{
		"symbol": string(symbol),
	})
	r.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":         symbol,
		"last_update_id": snap.LastUpdateID,
		"bids":           len(snap.Bids),
		"asks":           len(snap.Asks),
	}).Debug("snapshot fetched")
	return snap, nil
}

func retCodeError(symbol models.Symbol, code int, msg string) error {
	if rateLimitCodes[code] {
		return fmt.Errorf("%w: snapshot %s: retCode %d %s", models.ErrRateLimited, symbol, code, msg)
	}
	return fmt.Errorf("%w: snapshot %s: retCode %d %s", models.ErrInvalidRequest, symbol, code, msg)
}

func classify(ctx context.Context, symbol models.Symbol, state *fetchState, err error) error {
	if err == nil {
		err = errors.New("empty response")
	}
	status := int(state.status.Load())
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return fmt.Errorf("%w: snapshot %s: http %d", models.ErrRateLimited, symbol, status)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return fmt.Errorf("%w: snapshot %s: http %d", models.ErrInvalidRequest, symbol, status)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: snapshot %s: %v", models.ErrTimeout, symbol, err)
	}
	return fmt.Errorf("%w: snapshot %s: %v", models.ErrConnection, symbol, err)
}

func snapshotFromBook(symbol models.Symbol, book models.BybitBook) (models.Snapshot, error) {
	if book.Symbol != "" && models.Symbol(book.Symbol) != symbol {
		return models.Snapshot{}, fmt.Errorf("%w: orderbook for %s returned %s", models.ErrParse, symbol, book.Symbol)
	}
	bids, err := models.ParseLevels(book.Bids)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("bid for %s: %w", symbol, err)
	}
	asks, err := models.ParseLevels(book.Asks)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("ask for %s: %w", symbol, err)
	}
	return models.Snapshot{
		Symbol:       symbol,
		LastUpdateID: book.UpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

type fetchStateKey struct{}

type fetchState struct {
	status atomic.Int32
}

// statusTransport records the response status for Fetch and reports limit
// rejections.
type statusTransport struct {
	next http.RoundTripper
	log  *logger.Log
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if state, ok := req.Context().Value(fetchStateKey{}).(*fetchState); ok {
		state.status.Store(int32(resp.StatusCode))
	}
	symbol := req.URL.Query().Get("symbol")
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		metrics.ReportRateLimitExceeded(t.log, exchange, symbol, "snapshot")
	case http.StatusForbidden:
		metrics.ReportIPBan(t.log, exchange, symbol, "snapshot")
	}
	return resp, nil
}
