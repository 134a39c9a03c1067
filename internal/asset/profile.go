package asset

import (
	"github.com/shopspring/decimal"
)

// Class buckets a tradable instrument by market type. The class never
// drives sizing math (contract numbers always come from the broker); it
// only selects conversion routes and display conventions.
type Class string

const (
	ClassForex  Class = "FOREX"
	ClassMetal  Class = "METAL"
	ClassCrypto Class = "CRYPTO"
	ClassIndex  Class = "INDEX"
)

// ClassFor guesses the market class from a canonical symbol. Brokers do
// not report a class, so first-boot profile seeding needs a heuristic;
// operators can correct the stored row afterwards.
func ClassFor(symbol string) Class {
	switch {
	case len(symbol) >= 3 && (symbol[:3] == "XAU" || symbol[:3] == "XAG" || symbol[:3] == "XPT" || symbol[:3] == "XPD"):
		return ClassMetal
	case len(symbol) >= 3 && (symbol[:3] == "BTC" || symbol[:3] == "ETH" || symbol[:3] == "SOL" || symbol[:3] == "XRP"):
		return ClassCrypto
	case len(symbol) == 6:
		return ClassForex
	default:
		return ClassIndex
	}
}

// Profile describes one tradable symbol. Every symbol that reaches the
// pipeline must have a profile; signals for unprofiled symbols are
// rejected before persistence.
type Profile struct {
	Symbol       string `gorm:"primaryKey"` // canonical, e.g. "EURUSD", "XAUUSD", "BTCUSD"
	Class        Class
	ContractSize decimal.Decimal `gorm:"type:decimal(20,6)"`  // units per 1.0 lot, broker-reported
	TickSize     decimal.Decimal `gorm:"type:decimal(20,10)"` // minimum price increment
	Digits       int
	PipSize      decimal.Decimal `gorm:"type:decimal(20,10)"`
	FreezeLevel  decimal.Decimal `gorm:"type:decimal(20,10)"` // min distance from price for stop orders
	BrokerAlias  string          // broker-native name, e.g. "EURUSD.m"
	Enabled      bool
}

// TableName fixes the persisted table name.
func (Profile) TableName() string { return "asset_profiles" }

// BaseQuote splits a canonical FX-style symbol into base and quote
// currencies. Works for 6-letter pairs and metal pairs (XAUUSD → XAU/USD).
// Returns ok=false for symbols that do not follow the pair convention
// (indices, exotic tickers).
func (p Profile) BaseQuote() (base, quote string, ok bool) {
	s := p.Symbol
	if len(s) == 6 {
		return s[:3], s[3:], true
	}
	// Crypto pairs quoted in stablecoins: BTCUSDT, ETHUSDC.
	if len(s) == 7 && (s[3:] == "USDT" || s[3:] == "USDC") {
		return s[:3], s[3:], true
	}
	return "", "", false
}
