package instrument

import "testing"

func TestResolve_PriorityOrder(t *testing.T) {
	tests := []struct {
		name         string
		symbol       string
		kind         Kind
		wantExchange string
		wantSegment  string
	}{
		{
			name:         "commodity table wins regardless of hint",
			symbol:       "GOLD",
			kind:         KindEquity,
			wantExchange: ExchangeMCX,
			wantSegment:  SegmentCommodity,
		},
		{
			name:         "commodity wins over derivatives hint",
			symbol:       "CRUDEOIL",
			kind:         KindFuture,
			wantExchange: ExchangeMCX,
			wantSegment:  SegmentCommodity,
		},
		{
			name:         "NSE index",
			symbol:       "NIFTY 50",
			kind:         KindIndex,
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentCash,
		},
		{
			name:         "BSE index",
			symbol:       "SENSEX",
			kind:         KindIndex,
			wantExchange: ExchangeBSE,
			wantSegment:  SegmentCash,
		},
		{
			name:         "index table wins over derivatives hint",
			symbol:       "NIFTY BANK",
			kind:         KindOption,
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentCash,
		},
		{
			name:         "future hint routes to derivatives",
			symbol:       "RELIANCE",
			kind:         KindFuture,
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentDerivatives,
		},
		{
			name:         "option hint routes to derivatives",
			symbol:       "INFY",
			kind:         KindOption,
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentDerivatives,
		},
		{
			name:         "plain equity defaults to NSE cash",
			symbol:       "TCS",
			kind:         KindEquity,
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentCash,
		},
		{
			name:         "unknown symbol without hint defaults to NSE cash",
			symbol:       "SOMETHING",
			kind:         "",
			wantExchange: ExchangeNSE,
			wantSegment:  SegmentCash,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.symbol, tt.kind)
			if got.Exchange != tt.wantExchange || got.Segment != tt.wantSegment {
				t.Fatalf("Resolve(%q, %q) = %s/%s, want %s/%s",
					tt.symbol, tt.kind, got.Exchange, got.Segment, tt.wantExchange, tt.wantSegment)
			}
		})
	}
}

func TestResolve_NormalizesSymbol(t *testing.T) {
	got := Resolve("  infy ", KindEquity)
	if got.Symbol != "INFY" {
		t.Fatalf("Symbol = %q, want %q", got.Symbol, "INFY")
	}
	if got.Key() != "NSE:INFY" {
		t.Fatalf("Key() = %q, want %q", got.Key(), "NSE:INFY")
	}
}

func TestResolve_IsPure(t *testing.T) {
	a := Resolve("GOLD", KindCommodity)
	b := Resolve("GOLD", KindCommodity)
	if a != b {
		t.Fatalf("Resolve is not deterministic: %+v != %+v", a, b)
	}
}
