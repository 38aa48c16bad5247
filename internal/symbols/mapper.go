// Package symbols translates exchange-native instrument names to the canonical
// form used as book keys (uppercase, no separators, e.g. BTCUSDT).
package symbols

import (
	"strings"
	"sync"
	"sync/atomic"

	"marketstream/models"
)

// Mapper converts between native and canonical symbols. Explicit aliases win
// over the per-exchange formatting rules; hits and misses count alias lookups.
type Mapper struct {
	mu       sync.RWMutex
	toCanon  map[string]map[string]models.Symbol
	toNative map[string]map[models.Symbol]string
	hits     atomic.Uint64
	misses   atomic.Uint64
}

// NewMapper returns a mapper preloaded with the known contract-size aliases.
func NewMapper() *Mapper {
	m := &Mapper{
		toCanon:  make(map[string]map[string]models.Symbol),
		toNative: make(map[string]map[models.Symbol]string),
	}
	m.Add("bybit", "SHIB1000USDT", "1000SHIBUSDT")
	m.Add("kucoin", "XBTUSDTM", "BTCUSDT")
	return m
}

// Add registers a native name for a canonical symbol on one exchange.
func (m *Mapper) Add(exchange, native string, canonical models.Symbol) {
	exchange = strings.ToLower(exchange)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toCanon[exchange] == nil {
		m.toCanon[exchange] = make(map[string]models.Symbol)
		m.toNative[exchange] = make(map[models.Symbol]string)
	}
	m.toCanon[exchange][native] = canonical
	m.toNative[exchange][canonical] = native
}

// Canonical maps an exchange-native symbol to its canonical form.
func (m *Mapper) Canonical(exchange, native string) models.Symbol {
	exchange = strings.ToLower(exchange)
	m.mu.RLock()
	canon, ok := m.toCanon[exchange][native]
	m.mu.RUnlock()
	if ok {
		m.hits.Add(1)
		return canon
	}
	m.misses.Add(1)
	return models.Symbol(format(exchange, native))
}

// Native maps a canonical symbol back to the exchange's naming. Formatting
// rules that strip separators are not reversible, so only aliases and
// case are restored.
func (m *Mapper) Native(exchange string, canonical models.Symbol) string {
	exchange = strings.ToLower(exchange)
	m.mu.RLock()
	native, ok := m.toNative[exchange][canonical]
	m.mu.RUnlock()
	if ok {
		return native
	}
	return string(canonical)
}

// Stats reports alias hits and misses.
func (m *Mapper) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

func format(exchange, sym string) string {
	sym = strings.ToUpper(sym)
	switch exchange {
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}
