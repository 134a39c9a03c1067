package asset

import (
	"strings"
)

// Normalize maps a broker-native or user-typed symbol to canonical form:
// uppercase, no separators, broker suffix stripped. Canonical input is
// returned unchanged, so the function is idempotent.
//
//	"eurusd.m"  → "EURUSD"
//	"XAU/USD"   → "XAUUSD"
//	"btc-usd"   → "BTCUSD"
//	"EURUSD"    → "EURUSD"
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	// Dot starts a broker suffix ("EURUSD.m", "GBPUSD.pro"), never part
	// of the instrument name itself.
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	// Hash suffixes ("US30#") and separator characters inside the pair.
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '/', '-', '_', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsCanonical reports whether the symbol is already in canonical form.
func IsCanonical(symbol string) bool {
	return symbol != "" && symbol == Normalize(symbol)
}
