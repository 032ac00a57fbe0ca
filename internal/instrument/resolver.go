// Package instrument maps free-text symbols to provider exchange/segment keys
// and decodes option contract identity from display names.
package instrument

import "strings"

// Kind is an optional hint about the instrument behind a symbol.
type Kind string

const (
	KindEquity    Kind = "equity"
	KindIndex     Kind = "index"
	KindFuture    Kind = "future"
	KindOption    Kind = "option"
	KindCommodity Kind = "commodity"
)

// Exchange identifiers understood by the quote provider.
const (
	ExchangeNSE = "NSE" // primary equity exchange
	ExchangeBSE = "BSE" // secondary equity exchange
	ExchangeMCX = "MCX" // commodity exchange
)

// Segment identifiers understood by the quote provider's bulk endpoints.
const (
	SegmentCash        = "cash"
	SegmentDerivatives = "derivatives"
	SegmentCommodity   = "commodity"
)

// Resolved is the canonical (exchange, segment, symbol) triple for a symbol.
type Resolved struct {
	Exchange string
	Segment  string
	Symbol   string
}

// Key returns the provider's exchange-qualified instrument key, e.g. "NSE:INFY".
func (r Resolved) Key() string {
	return r.Exchange + ":" + r.Symbol
}

// commoditySymbols are the MCX contracts the marketplace supports.
var commoditySymbols = map[string]struct{}{
	"GOLD":       {},
	"GOLDM":      {},
	"SILVER":     {},
	"SILVERM":    {},
	"CRUDEOIL":   {},
	"NATURALGAS": {},
	"COPPER":     {},
	"ZINC":       {},
	"ALUMINIUM":  {},
	"LEAD":       {},
	"NICKEL":     {},
}

// indexExchange maps index names to their home exchange. Every index trades
// on the cash segment.
var indexExchange = map[string]string{
	"NIFTY 50":          ExchangeNSE,
	"NIFTY BANK":        ExchangeNSE,
	"NIFTY FIN SERVICE": ExchangeNSE,
	"NIFTY MIDCAP 100":  ExchangeNSE,
	"NIFTY IT":          ExchangeNSE,
	"INDIA VIX":         ExchangeNSE,
	"SENSEX":            ExchangeBSE,
	"BANKEX":            ExchangeBSE,
}

// Resolve maps a raw symbol plus an optional kind hint to its provider key.
// It is a pure function. Priority: commodity table, then index table, then
// the derivatives hint, then the default cash listing. The index rule must
// win over later rules for symbols that appear in more than one table.
func Resolve(symbol string, kind Kind) Resolved {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if _, ok := commoditySymbols[s]; ok {
		return Resolved{Exchange: ExchangeMCX, Segment: SegmentCommodity, Symbol: s}
	}
	if exch, ok := indexExchange[s]; ok {
		return Resolved{Exchange: exch, Segment: SegmentCash, Symbol: s}
	}
	if kind == KindFuture || kind == KindOption {
		return Resolved{Exchange: ExchangeNSE, Segment: SegmentDerivatives, Symbol: s}
	}
	return Resolved{Exchange: ExchangeNSE, Segment: SegmentCash, Symbol: s}
}
