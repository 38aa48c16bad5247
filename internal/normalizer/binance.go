package normalizer

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"marketstream/internal/symbols"
	"marketstream/models"
)

const (
	exchangeBinance = "binance"
	// binanceMaxParams keeps a replay well under the 1024 streams a
	// connection may hold.
	binanceMaxParams = 200
)

// Binance decodes futures and spot market streams, raw or combined.
type Binance struct {
	mapper *symbols.Mapper
	now    func() time.Time
}

func NewBinance(mapper *symbols.Mapper) *Binance {
	if mapper == nil {
		mapper = symbols.NewMapper()
	}
	return &Binance{mapper: mapper, now: time.Now}
}

func (b *Binance) Name() string { return exchangeBinance }

func (b *Binance) MaxControlArgs() int { return binanceMaxParams }

type binanceControl struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (b *Binance) ControlFrame(subscribe bool, subs []models.Subscription, id uint64) ([]byte, error) {
	method := "UNSUBSCRIBE"
	if subscribe {
		method = "SUBSCRIBE"
	}
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		params = append(params, s.StreamName())
	}
	return json.Marshal(binanceControl{Method: method, Params: params, ID: id})
}

type binanceHeader struct {
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
	Symbol string          `json:"s"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

func (b *Binance) Normalize(raw []byte) (*models.NormalizedEvent, error) {
	var h binanceHeader
	if err := unmarshal(raw, &h, "binance frame"); err != nil {
		return nil, err
	}
	if h.Stream != "" && len(h.Data) > 0 {
		return b.Normalize(h.Data)
	}
	if h.Error != nil {
		return nil, fmt.Errorf("%w: binance request %v rejected: %d %s", models.ErrInvalidRequest, idOf(h.ID), h.Error.Code, h.Error.Msg)
	}
	if h.ID != nil {
		return nil, nil
	}

	switch h.Event {
	case "depthUpdate":
		return b.depth(raw)
	case "trade", "aggTrade":
		return b.trade(raw)
	case "bookTicker":
		return b.quote(raw)
	case "":
		// spot bookTicker frames carry no event type
		if h.Symbol != "" {
			return b.quote(raw)
		}
		return nil, fmt.Errorf("%w: binance frame without event type", models.ErrParse)
	default:
		return nil, nil
	}
}

func idOf(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func (b *Binance) event(kind models.EventKind, symbol string) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Kind:       kind,
		Exchange:   exchangeBinance,
		Symbol:     b.mapper.Canonical(exchangeBinance, symbol),
		ReceivedAt: b.now(),
	}
}

func (b *Binance) depth(raw []byte) (*models.NormalizedEvent, error) {
	var e models.BinanceDepthEvent
	if err := unmarshal(raw, &e, "depthUpdate"); err != nil {
		return nil, err
	}
	if e.LastUpdateID < e.FirstUpdateID {
		return nil, fmt.Errorf("%w: depthUpdate range %d..%d", models.ErrParse, e.FirstUpdateID, e.LastUpdateID)
	}
	bids, err := models.ParseLevels(e.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := models.ParseLevels(e.Asks)
	if err != nil {
		return nil, err
	}
	first := e.FirstUpdateID
	if e.PrevLastUpdateID != nil {
		// futures frames chain on pu; U may run ahead of the previous u
		first = *e.PrevLastUpdateID + 1
	}
	ev := b.event(models.EventDepth, e.Symbol)
	ev.Depth = &models.DepthUpdate{
		FirstID:   first,
		FinalID:   e.LastUpdateID,
		Bids:      bids,
		Asks:      asks,
		EventTime: time.UnixMilli(e.Time),
	}
	return ev, nil
}

func (b *Binance) trade(raw []byte) (*models.NormalizedEvent, error) {
	var e models.BinanceTradeEvent
	if err := unmarshal(raw, &e, "trade"); err != nil {
		return nil, err
	}
	lvl, err := models.ParseLevel(e.Price, e.Quantity)
	if err != nil {
		return nil, err
	}
	side := models.SideBuy
	if e.IsBuyerMaker {
		side = models.SideSell
	}
	id := e.TradeID
	if e.Event == "aggTrade" {
		id = e.AggTradeID
	}
	ev := b.event(models.EventTrade, e.Symbol)
	ev.Trade = &models.Trade{
		ID:    fmt.Sprintf("%d", id),
		Price: lvl.Price,
		Size:  lvl.Size,
		Side:  side,
		Time:  time.UnixMilli(e.TradeTime),
	}
	return ev, nil
}

func (b *Binance) quote(raw []byte) (*models.NormalizedEvent, error) {
	var e models.BinanceBookTicker
	if err := unmarshal(raw, &e, "bookTicker"); err != nil {
		return nil, err
	}
	bid, err := models.ParseLevel(e.BidPrice, e.BidQty)
	if err != nil {
		return nil, err
	}
	ask, err := models.ParseLevel(e.AskPrice, e.AskQty)
	if err != nil {
		return nil, err
	}
	ts := b.now()
	if e.Time > 0 {
		ts = time.UnixMilli(e.Time)
	}
	ev := b.event(models.EventQuote, e.Symbol)
	ev.Quote = &models.Quote{
		BidPrice: bid.Price,
		BidSize:  bid.Size,
		AskPrice: ask.Price,
		AskSize:  ask.Size,
		Time:     ts,
	}
	return ev, nil
}
