package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"marketstream/internal/symbols"
	"marketstream/models"
)

const (
	exchangeBybit = "bybit"
	// bybitMaxArgs is the spot limit on args per subscribe request.
	bybitMaxArgs = 10
)

// Bybit decodes v5 public linear/spot frames.
type Bybit struct {
	mapper *symbols.Mapper
	now    func() time.Time
}

func NewBybit(mapper *symbols.Mapper) *Bybit {
	if mapper == nil {
		mapper = symbols.NewMapper()
	}
	return &Bybit{mapper: mapper, now: time.Now}
}

func (b *Bybit) Name() string { return exchangeBybit }

func (b *Bybit) MaxControlArgs() int { return bybitMaxArgs }

type bybitControl struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

func (b *Bybit) ControlFrame(subscribe bool, subs []models.Subscription, id uint64) ([]byte, error) {
	op := "unsubscribe"
	if subscribe {
		op = "subscribe"
	}
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		native := s
		native.Symbol = models.Symbol(b.mapper.Native(exchangeBybit, s.Symbol))
		args = append(args, native.Topic())
	}
	return json.Marshal(bybitControl{ReqID: fmt.Sprintf("%d", id), Op: op, Args: args})
}

type bybitEnvelope struct {
	models.BybitFrame
	Data json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bid1Price"`
	BidSize  string `json:"bid1Size"`
	AskPrice string `json:"ask1Price"`
	AskSize  string `json:"ask1Size"`
}

// Normalize returns the last event of a multi-trade frame; use NormalizeAll
// to keep every trade.
func (b *Bybit) Normalize(raw []byte) (*models.NormalizedEvent, error) {
	events, err := b.NormalizeAll(raw)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[len(events)-1], nil
}

func (b *Bybit) NormalizeAll(raw []byte) ([]*models.NormalizedEvent, error) {
	var env bybitEnvelope
	if err := unmarshal(raw, &env, "bybit frame"); err != nil {
		return nil, err
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("%w: bybit %s rejected: %s", models.ErrInvalidRequest, env.Op, env.RetMsg)
		}
		return nil, nil
	}
	if env.Topic == "" {
		return nil, fmt.Errorf("%w: bybit frame without topic", models.ErrParse)
	}

	ts := b.now()
	if env.Ts > 0 {
		ts = time.UnixMilli(env.Ts)
	}
	parts := strings.Split(env.Topic, ".")
	switch parts[0] {
	case "orderbook":
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: bybit topic %q", models.ErrParse, env.Topic)
		}
		if parts[1] == "1" {
			ev, err := b.top(env, ts)
			return single(ev, err)
		}
		ev, err := b.book(env, ts)
		return single(ev, err)
	case "publicTrade":
		return b.trades(env)
	case "tickers":
		ev, err := b.ticker(env, ts)
		return single(ev, err)
	default:
		return nil, nil
	}
}

func single(ev *models.NormalizedEvent, err error) ([]*models.NormalizedEvent, error) {
	if err != nil || ev == nil {
		return nil, err
	}
	return []*models.NormalizedEvent{ev}, nil
}

func (b *Bybit) event(kind models.EventKind, symbol string) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Kind:       kind,
		Exchange:   exchangeBybit,
		Symbol:     b.mapper.Canonical(exchangeBybit, symbol),
		ReceivedAt: b.now(),
	}
}

func (b *Bybit) parseBook(env bybitEnvelope) (models.BybitBook, []models.PriceLevel, []models.PriceLevel, error) {
	var data models.BybitBook
	if err := unmarshal(env.Data, &data, env.Topic); err != nil {
		return data, nil, nil, err
	}
	bids, err := models.ParseLevels(data.Bids)
	if err != nil {
		return data, nil, nil, err
	}
	asks, err := models.ParseLevels(data.Asks)
	if err != nil {
		return data, nil, nil, err
	}
	return data, bids, asks, nil
}

// book maps orderbook.<depth> frames. Bybit's update id moves by one per frame
// and restarts on every snapshot.
func (b *Bybit) book(env bybitEnvelope, ts time.Time) (*models.NormalizedEvent, error) {
	data, bids, asks, err := b.parseBook(env)
	if err != nil {
		return nil, err
	}
	ev := b.event(models.EventDepth, data.Symbol)
	ev.Depth = &models.DepthUpdate{
		FirstID:   data.UpdateID,
		FinalID:   data.UpdateID,
		Bids:      bids,
		Asks:      asks,
		EventTime: ts,
		Snapshot:  env.Type == "snapshot",
	}
	return ev, nil
}

// top maps level-1 book frames to quotes. Delta frames may carry one side only.
func (b *Bybit) top(env bybitEnvelope, ts time.Time) (*models.NormalizedEvent, error) {
	data, bids, asks, err := b.parseBook(env)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 && len(asks) == 0 {
		return nil, nil
	}
	q := &models.Quote{Time: ts}
	if len(bids) > 0 {
		q.BidPrice, q.BidSize = bids[0].Price, bids[0].Size
	}
	if len(asks) > 0 {
		q.AskPrice, q.AskSize = asks[0].Price, asks[0].Size
	}
	ev := b.event(models.EventQuote, data.Symbol)
	ev.Quote = q
	return ev, nil
}

func (b *Bybit) trades(env bybitEnvelope) ([]*models.NormalizedEvent, error) {
	var data []models.BybitTrade
	if err := unmarshal(env.Data, &data, env.Topic); err != nil {
		return nil, err
	}
	out := make([]*models.NormalizedEvent, 0, len(data))
	for _, t := range data {
		lvl, err := models.ParseLevel(t.Price, t.Size)
		if err != nil {
			return nil, err
		}
		side := models.SideBuy
		if strings.EqualFold(t.Side, "Sell") {
			side = models.SideSell
		}
		ev := b.event(models.EventTrade, t.Symbol)
		ev.Trade = &models.Trade{
			ID:    t.ID,
			Price: lvl.Price,
			Size:  lvl.Size,
			Side:  side,
			Time:  time.UnixMilli(t.Time),
		}
		out = append(out, ev)
	}
	return out, nil
}

// ticker maps tickers frames; deltas without top-of-book fields yield nothing.
func (b *Bybit) ticker(env bybitEnvelope, ts time.Time) (*models.NormalizedEvent, error) {
	var data bybitTicker
	if err := unmarshal(env.Data, &data, env.Topic); err != nil {
		return nil, err
	}
	if data.BidPrice == "" || data.AskPrice == "" {
		return nil, nil
	}
	bid, err := models.ParseLevel(data.BidPrice, data.BidSize)
	if err != nil {
		return nil, err
	}
	ask, err := models.ParseLevel(data.AskPrice, data.AskSize)
	if err != nil {
		return nil, err
	}
	ev := b.event(models.EventQuote, data.Symbol)
	ev.Quote = &models.Quote{
		BidPrice: bid.Price,
		BidSize:  bid.Size,
		AskPrice: ask.Price,
		AskSize:  ask.Size,
		Time:     ts,
	}
	return ev, nil
}
