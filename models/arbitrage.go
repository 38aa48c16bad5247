package models

import "time"

type ArbitrageKind string

const (
	ArbitrageDirect     ArbitrageKind = "direct"
	ArbitrageTriangular ArbitrageKind = "triangular"
)

// ArbitrageOpportunity is a detected price dislocation across books.
// For direct opportunities BuyLeg is bought at its ask and SellLeg sold at its bid.
// For triangular ones Path lists the books in conversion order.
type ArbitrageOpportunity struct {
	ID         string        `json:"id"`
	Kind       ArbitrageKind `json:"kind"`
	SymbolPair [2]Symbol     `json:"symbol_pair"`
	Path       []Symbol      `json:"path,omitempty"`
	ProfitBps  float64       `json:"profit_bps"`
	Side       Side          `json:"side"`
	Size       float64       `json:"size"`
	BuyLeg     Symbol        `json:"buy_leg"`
	SellLeg    Symbol        `json:"sell_leg"`
	DetectedAt time.Time     `json:"detected_at"`
}
