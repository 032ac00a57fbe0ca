package instrument

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Right is the option right encoded in a contract name.
type Right string

const (
	RightCall Right = "CE"
	RightPut  Right = "PE"
)

// Contract is the decoded identity behind an instrument display name: either
// a plain tradeable symbol or a specific option contract. Parse once at the
// boundary and switch on IsOption, rather than re-deriving the pieces at each
// call site.
type Contract struct {
	IsOption   bool
	Underlying string
	Expiry     time.Time
	Strike     float64
	Right      Right
}

// Display names for option recommendations follow a fixed pattern:
// "UNDERLYING DDMMMYYYY STRIKE CE|PE", e.g. "BANKNIFTY 30JAN2025 48000 CE".
// CALL/PUT are accepted as aliases for CE/PE.
var contractPattern = regexp.MustCompile(
	`^([A-Z][A-Z0-9&\-]*)\s+(\d{1,2}[A-Z]{3}\d{4})\s+(\d+(?:\.\d+)?)\s+(CE|PE|CALL|PUT)$`)

// ParseContractName decodes a display name. The second return is false when
// the name does not match the option pattern, in which case the name is a
// plain symbol.
func ParseContractName(name string) (Contract, bool) {
	m := contractPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(name)))
	if m == nil {
		return Contract{}, false
	}

	expiry, err := time.Parse("2Jan2006", canonicalMonth(m[2]))
	if err != nil {
		return Contract{}, false
	}
	strike, err := strconv.ParseFloat(m[3], 64)
	if err != nil || strike <= 0 {
		return Contract{}, false
	}

	right := RightCall
	if m[4] == "PE" || m[4] == "PUT" {
		right = RightPut
	}
	return Contract{
		IsOption:   true,
		Underlying: m[1],
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
	}, true
}

// canonicalMonth rewrites "30JAN2025" so time.Parse's "Jan" month names match.
func canonicalMonth(s string) string {
	if len(s) < 7 {
		return s
	}
	monStart := len(s) - 7
	return s[:monStart] + s[monStart:monStart+1] + strings.ToLower(s[monStart+1:monStart+3]) + s[monStart+3:]
}
