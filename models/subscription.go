package models

import (
	"fmt"
	"strings"
)

// StreamKind names a market data channel. Values are the Binance stream suffixes.
type StreamKind string

const (
	StreamTrade    StreamKind = "trade"
	StreamQuote    StreamKind = "bookTicker"
	StreamDepth    StreamKind = "depth"
	StreamTicker   StreamKind = "ticker"
	StreamKline    StreamKind = "kline"
	StreamUserData StreamKind = "userData"
)

func (k StreamKind) Valid() bool {
	switch k {
	case StreamTrade, StreamQuote, StreamDepth, StreamTicker, StreamKline, StreamUserData:
		return true
	}
	return false
}

// Subscription is one (symbol, kind, interval) stream request.
type Subscription struct {
	Symbol   Symbol     `yaml:"symbol" json:"symbol"`
	Kind     StreamKind `yaml:"kind" json:"kind"`
	Interval string     `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// Key identifies the subscription in the registry: symbol:kind[:interval].
func (s Subscription) Key() string {
	if s.Interval != "" {
		return fmt.Sprintf("%s:%s:%s", s.Symbol, s.Kind, s.Interval)
	}
	return fmt.Sprintf("%s:%s", s.Symbol, s.Kind)
}

// StreamName is the Binance stream name, e.g. btcusdt@depth or btcusdt@kline_1m.
func (s Subscription) StreamName() string {
	kind := string(s.Kind)
	if s.Kind == StreamKline && s.Interval != "" {
		kind += "_" + s.Interval
	} else if s.Interval != "" {
		kind += "@" + s.Interval
	}
	return s.Symbol.Lower() + "@" + kind
}

// Topic is the Bybit topic name, e.g. orderbook.50.BTCUSDT.
func (s Subscription) Topic() string {
	sym := strings.ToUpper(string(s.Symbol))
	switch s.Kind {
	case StreamTrade:
		return "publicTrade." + sym
	case StreamQuote:
		return "orderbook.1." + sym
	case StreamDepth:
		depth := s.Interval
		if depth == "" {
			depth = "50"
		}
		return "orderbook." + depth + "." + sym
	case StreamKline:
		interval := s.Interval
		if interval == "" {
			interval = "1"
		}
		return "kline." + interval + "." + sym
	default:
		return "tickers." + sym
	}
}

func (s Subscription) Validate() error {
	if err := s.Symbol.Validate(); err != nil {
		return err
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown stream kind %q", ErrInvalidRequest, string(s.Kind))
	}
	return nil
}

// ParseSubscription is the inverse of Key.
func ParseSubscription(key string) (Subscription, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Subscription{}, fmt.Errorf("%w: subscription %q must be symbol:kind[:interval]", ErrInvalidRequest, key)
	}
	sub := Subscription{Symbol: Symbol(parts[0]), Kind: StreamKind(parts[1])}
	if len(parts) == 3 {
		sub.Interval = parts[2]
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}
