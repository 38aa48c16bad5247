package models

import (
	"fmt"
	"strings"
)

// Symbol identifies an instrument in exchange-native form, e.g. BTCUSDT.
type Symbol string

// NewSymbol validates s and returns it as a Symbol.
func NewSymbol(s string) (Symbol, error) {
	sym := Symbol(s)
	if err := sym.Validate(); err != nil {
		return "", err
	}
	return sym, nil
}

// Validate accepts non-empty identifiers made of letters, digits, '-' and '_'.
func (s Symbol) Validate() error {
	if s == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidRequest)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: invalid symbol %q", ErrInvalidRequest, string(s))
		}
	}
	return nil
}

func (s Symbol) String() string { return string(s) }

// Lower is the form used in Binance stream names.
func (s Symbol) Lower() string { return strings.ToLower(string(s)) }
