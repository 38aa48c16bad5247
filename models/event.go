package models

import "time"

// EventKind tags the payload carried by a NormalizedEvent.
type EventKind int

const (
	EventTrade EventKind = iota + 1
	EventQuote
	EventDepth
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventQuote:
		return "quote"
	case EventDepth:
		return "depth"
	default:
		return "unknown"
	}
}

// Side of a trade or opportunity.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Trade struct {
	ID    string    `json:"id"`
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Side  Side      `json:"side"`
	Time  time.Time `json:"time"`
}

type Quote struct {
	BidPrice float64   `json:"bid_price"`
	BidSize  float64   `json:"bid_size"`
	AskPrice float64   `json:"ask_price"`
	AskSize  float64   `json:"ask_size"`
	Time     time.Time `json:"time"`
}

// DepthUpdate is an incremental book change covering update ids [FirstID, FinalID].
// Exchanges that push full images over the stream set Snapshot; such updates
// replace the book instead of being applied to it.
type DepthUpdate struct {
	FirstID   uint64       `json:"first_id"`
	FinalID   uint64       `json:"final_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	EventTime time.Time    `json:"event_time"`
	Snapshot  bool         `json:"snapshot,omitempty"`
}

// NormalizedEvent is the exchange-independent form of one market data frame.
// Exactly one of Trade, Quote or Depth is set, matching Kind.
type NormalizedEvent struct {
	Kind       EventKind    `json:"kind"`
	Exchange   string       `json:"exchange"`
	Symbol     Symbol       `json:"symbol"`
	Trade      *Trade       `json:"trade,omitempty"`
	Quote      *Quote       `json:"quote,omitempty"`
	Depth      *DepthUpdate `json:"depth,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// ExchangeTime returns the exchange timestamp of the payload, if any.
func (e NormalizedEvent) ExchangeTime() time.Time {
	switch {
	case e.Trade != nil:
		return e.Trade.Time
	case e.Quote != nil:
		return e.Quote.Time
	case e.Depth != nil:
		return e.Depth.EventTime
	}
	return time.Time{}
}
