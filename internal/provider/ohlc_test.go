package provider

import (
	"encoding/json"
	"testing"
)

func TestRepairOHLC(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want OHLC
	}{
		{
			name: "well-formed object",
			raw:  `{"open":100.5,"high":102.0,"low":99.1,"close":101.2}`,
			want: OHLC{Open: 100.5, High: 102.0, Low: 99.1, Close: 101.2},
		},
		{
			name: "single-quoted string variant",
			raw:  `"{'open': 100.5, 'high': 102.0, 'low': 99.1, 'close': 101.2}"`,
			want: OHLC{Open: 100.5, High: 102.0, Low: 99.1, Close: 101.2},
		},
		{
			name: "empty input",
			raw:  ``,
			want: OHLC{},
		},
		{
			name: "null",
			raw:  `null`,
			want: OHLC{},
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: OHLC{},
		},
		{
			name: "unrepairable garbage string",
			raw:  `"not even close to a bar"`,
			want: OHLC{},
		},
		{
			name: "broken object falls back to zero bar",
			raw:  `{"open":"NaN"}`,
			want: OHLC{},
		},
		{
			name: "number input falls back to zero bar",
			raw:  `42`,
			want: OHLC{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepairOHLC(json.RawMessage(tt.raw))
			if got != tt.want {
				t.Fatalf("RepairOHLC(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}
