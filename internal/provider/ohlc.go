package provider

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RepairOHLC parses the provider's OHLC field, which arrives either as a
// proper JSON object or as a quoted pseudo-JSON string using single quotes,
// e.g. "{'open': 100.5, 'high': 102.0, 'low': 99.1, 'close': 101.2}".
// The malformed variant is rewritten and re-parsed; if repair fails the
// zero bar is returned and callers proceed without OHLC-derived figures.
func RepairOHLC(raw json.RawMessage) OHLC {
	var bar OHLC
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return bar
	}

	// Well-formed object path.
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &bar); err == nil {
			return bar
		}
		return OHLC{}
	}

	// Quoted-string path: unwrap, rewrite quotes, parse again.
	var blob string
	if err := json.Unmarshal(raw, &blob); err != nil {
		return OHLC{}
	}
	rewritten := strings.ReplaceAll(blob, "'", `"`)
	if err := json.Unmarshal([]byte(rewritten), &bar); err != nil {
		return OHLC{}
	}
	return bar
}
