package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a bar interval in broker notation.
type Timeframe string

const (
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

// Duration returns the bar width.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D1:
		return 24 * time.Hour
	}
	return time.Hour
}

// PendingTimeout is how long a pending signal on this timeframe stays
// actionable before the coherence pass expires it.
func (tf Timeframe) PendingTimeout() time.Duration {
	switch tf {
	case M5:
		return 15 * time.Minute
	case M15:
		return 45 * time.Minute
	case H1:
		return 3 * time.Hour
	case H4:
		return 12 * time.Hour
	case D1:
		return 48 * time.Hour
	}
	return time.Hour
}

// ParseTimeframe validates a config-supplied timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case M5, M15, H1, H4, D1:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("market: unknown timeframe %q", s)
}

// Bar is one OHLCV candle.
type Bar struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Tick is a top-of-book snapshot.
type Tick struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Time   time.Time
}

// Mid returns the bid/ask midpoint, falling back to Last when the book
// side is missing.
func (t Tick) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}
