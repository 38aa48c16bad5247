// Package binance fetches spot and futures order book snapshots over REST.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

const component = "binance_snapshot"

// rateLimitCodes are the Binance API error codes for request-weight and IP bans.
var rateLimitCodes = map[int64]bool{-1003: true, -1015: true}

// depthResult is the part of a depth response both markets share.
type depthResult struct {
	lastUpdateID int64
	bids, asks   []common.PriceLevel
}

type depthFunc func(ctx context.Context, symbol string, limit int) (*depthResult, error)

// SnapshotReader implements registry.SnapshotFetcher against /api/v3/depth
// (spot) or /fapi/v1/depth (futures). Requests are paced by a token bucket
// shared across symbols.
type SnapshotReader struct {
	depth   depthFunc
	market  string
	limiter *rate.Limiter
	limit   int
	log     *logger.Log
}

func NewSnapshotReader(cfg config.BookConfig) *SnapshotReader {
	log := logger.GetLogger()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Transport: &weightTransport{next: http.DefaultTransport, log: log},
		Timeout:   timeout,
	}
	base := ""
	if parsed, err := url.Parse(cfg.SnapshotURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	market := cfg.Market
	if market == "" {
		market = config.MarketFutures
	}
	var depth depthFunc
	if market == config.MarketSpot {
		depth = spotDepth(httpClient, base)
	} else {
		depth = futuresDepth(httpClient, base)
	}

	rps := cfg.SnapshotRPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.SnapshotBurst
	if burst <= 0 {
		burst = 1
	}
	limit := cfg.SnapshotLimit
	if limit <= 0 {
		limit = 1000
	}

	log.WithComponent(component).WithFields(logger.Fields{
		"endpoint": cfg.SnapshotURL,
		"market":   market,
		"limit":    limit,
		"rps":      rps,
		"timeout":  timeout.String(),
	}).Info("snapshot reader initialized")

	return &SnapshotReader{
		depth:   depth,
		market:  market,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		limit:   limit,
		log:     log,
	}
}

// Fetch downloads the depth snapshot for symbol.
func (r *SnapshotReader) Fetch(ctx context.Context, symbol models.Symbol) (models.Snapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: waiting for snapshot slot: %v", models.ErrTimeout, err)
	}

	start := time.Now()
	res, err := r.depth(ctx, string(symbol), r.limit)
	if err != nil {
		return models.Snapshot{}, classify(symbol, err)
	}

	snap, err := snapshotFromDepth(symbol, res)
	if err != nil {
		return models.Snapshot{}, err
	}

	r.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":         symbol,
		"last_update_id": snap.LastUpdateID,
		"bids":           len(snap.Bids),
		"asks":           len(snap.Asks),
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Debug("snapshot fetched")
	return snap, nil
}

func classify(symbol models.Symbol, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if rateLimitCodes[apiErr.Code] {
			return fmt.Errorf("%w: snapshot %s: %v", models.ErrRateLimited, symbol, err)
		}
		return fmt.Errorf("%w: snapshot %s: %v", models.ErrInvalidRequest, symbol, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: snapshot %s: %v", models.ErrTimeout, symbol, err)
	}
	return fmt.Errorf("%w: snapshot %s: %v", models.ErrConnection, symbol, err)
}

func futuresDepth(hc *http.Client, base string) depthFunc {
	client := futures.NewClient("", "")
	client.HTTPClient = hc
	if base != "" {
		client.SetApiEndpoint(base)
	}
	return func(ctx context.Context, symbol string, limit int) (*depthResult, error) {
		res, err := client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		if err != nil || res == nil {
			return nil, err
		}
		return &depthResult{lastUpdateID: res.LastUpdateID, bids: res.Bids, asks: res.Asks}, nil
	}
}

func spotDepth(hc *http.Client, base string) depthFunc {
	client := gobinance.NewClient("", "")
	client.HTTPClient = hc
	if base != "" {
		client.BaseURL = base
	}
	return func(ctx context.Context, symbol string, limit int) (*depthResult, error) {
		res, err := client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		if err != nil || res == nil {
			return nil, err
		}
		return &depthResult{lastUpdateID: res.LastUpdateID, bids: res.Bids, asks: res.Asks}, nil
	}
}

func snapshotFromDepth(symbol models.Symbol, res *depthResult) (models.Snapshot, error) {
	if res == nil {
		return models.Snapshot{}, fmt.Errorf("%w: empty depth response for %s", models.ErrParse, symbol)
	}
	if res.lastUpdateID < 0 {
		return models.Snapshot{}, fmt.Errorf("%w: negative lastUpdateId %d", models.ErrParse, res.lastUpdateID)
	}
	snap := models.Snapshot{
		Symbol:       symbol,
		LastUpdateID: uint64(res.lastUpdateID),
		Bids:         make([]models.PriceLevel, 0, len(res.bids)),
		Asks:         make([]models.PriceLevel, 0, len(res.asks)),
	}
	for _, b := range res.bids {
		lvl, err := models.ParseLevel(b.Price, b.Quantity)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("bid for %s: %w", symbol, err)
		}
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, a := range res.asks {
		lvl, err := models.ParseLevel(a.Price, a.Quantity)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("ask for %s: %w", symbol, err)
		}
		snap.Asks = append(snap.Asks, lvl)
	}
	return snap, nil
}

// weightTransport reports Binance's used-weight headers and limit rejections
// on every response.
type weightTransport struct {
	next http.RoundTripper
	log  *logger.Log
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	symbol := req.URL.Query().Get("symbol")
	metrics.ReportUsedWeight(t.log, resp.Header, component, symbol)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		metrics.ReportRateLimitExceeded(t.log, "binance", symbol, "snapshot")
	case http.StatusTeapot:
		metrics.ReportIPBan(t.log, "binance", symbol, "snapshot")
	}
	return resp, nil
}
