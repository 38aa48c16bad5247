package models

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// PriceLevel is one rung of a ladder. A zero Size in an update removes the level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Notional is price times size.
func (l PriceLevel) Notional() float64 {
	return l.Price * l.Size
}

// Valid reports whether the level can be stored or applied.
func (l PriceLevel) Valid() error {
	if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || l.Price <= 0 {
		return fmt.Errorf("%w: invalid price %v", ErrParse, l.Price)
	}
	if math.IsNaN(l.Size) || math.IsInf(l.Size, 0) || l.Size < 0 {
		return fmt.Errorf("%w: invalid size %v", ErrParse, l.Size)
	}
	return nil
}

// ParseLevel parses exchange decimal strings into a PriceLevel.
// NaN and infinities are not valid decimals and are rejected here.
func ParseLevel(price, size string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: price %q: %v", ErrParse, price, err)
	}
	q, err := decimal.NewFromString(size)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: size %q: %v", ErrParse, size, err)
	}
	lvl := PriceLevel{Price: p.InexactFloat64(), Size: q.InexactFloat64()}
	if err := lvl.Valid(); err != nil {
		return PriceLevel{}, err
	}
	return lvl, nil
}

// ParseLevels parses [price, size] string pairs.
func ParseLevels(raw [][2]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		lvl, err := ParseLevel(r[0], r[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// Snapshot is a full-depth book image as returned by a REST depth endpoint.
type Snapshot struct {
	Symbol       Symbol
	LastUpdateID uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
}
