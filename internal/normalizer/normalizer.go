// Package normalizer turns raw exchange frames into models.NormalizedEvent.
package normalizer

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"marketstream/internal/symbols"
	"marketstream/models"
)

// Normalizer decodes one websocket frame. A nil event with a nil error means
// the frame carried no market data (acks, pongs, unsupported channels).
type Normalizer interface {
	Normalize(raw []byte) (*models.NormalizedEvent, error)
}

// BatchNormalizer is implemented by normalizers whose frames can carry more
// than one event.
type BatchNormalizer interface {
	NormalizeAll(raw []byte) ([]*models.NormalizedEvent, error)
}

// Func adapts a function to Normalizer.
type Func func(raw []byte) (*models.NormalizedEvent, error)

func (f Func) Normalize(raw []byte) (*models.NormalizedEvent, error) { return f(raw) }

// Protocol builds the control frames an exchange expects.
type Protocol interface {
	Name() string
	// ControlFrame encodes a subscribe or unsubscribe request for subs.
	ControlFrame(subscribe bool, subs []models.Subscription, id uint64) ([]byte, error)
	// MaxControlArgs is the most subscriptions one control frame may carry.
	MaxControlArgs() int
}

// New selects the normalizer and protocol for an exchange.
func New(exchange string, mapper *symbols.Mapper) (Normalizer, Protocol, error) {
	if mapper == nil {
		mapper = symbols.NewMapper()
	}
	switch strings.ToLower(exchange) {
	case "", "binance":
		b := NewBinance(mapper)
		return b, b, nil
	case "bybit":
		b := NewBybit(mapper)
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported exchange %q", models.ErrInvalidRequest, exchange)
	}
}

// NormalizeAll decodes raw with n, using the batch form when available.
func NormalizeAll(n Normalizer, raw []byte) ([]*models.NormalizedEvent, error) {
	if bn, ok := n.(BatchNormalizer); ok {
		return bn.NormalizeAll(raw)
	}
	ev, err := n.Normalize(raw)
	if err != nil || ev == nil {
		return nil, err
	}
	return []*models.NormalizedEvent{ev}, nil
}

func parseErr(what string, err error) error {
	return fmt.Errorf("%w: decode %s: %v", models.ErrParse, what, err)
}

func unmarshal(raw []byte, v interface{}, what string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return parseErr(what, err)
	}
	return nil
}
