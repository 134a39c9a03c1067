// Package broker defines the connector contract every broker
// implementation fulfils, plus the breaker decorator the pipeline
// wraps live connectors in.
package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
)

// SymbolInfo carries the broker-side numeric constants for one symbol.
// Contract size, tick size and digits are always read from here at
// runtime; core code never hardcodes per-asset-class constants.
type SymbolInfo struct {
	Symbol       string          `json:"symbol"`
	ContractSize decimal.Decimal `json:"contract_size"`
	TickSize     decimal.Decimal `json:"tick_size"`
	Digits       int             `json:"digits"`
	FreezeLevel  decimal.Decimal `json:"freeze_level"`
	VolumeStep   decimal.Decimal `json:"volume_step"`
	MinVolume    decimal.Decimal `json:"min_volume"`
	Visible      bool            `json:"visible"`
}

// Position is the broker's live view of an open position.
type Position struct {
	Ticket     string           `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Direction  market.Direction `json:"direction"`
	Volume     decimal.Decimal  `json:"volume"`
	OpenPrice  decimal.Decimal  `json:"open_price"`
	StopLoss   decimal.Decimal  `json:"stop_loss"`
	TakeProfit decimal.Decimal  `json:"take_profit"`
	OpenTime   time.Time        `json:"open_time"`
	Profit     decimal.Decimal  `json:"profit"` // unrealized, account currency
	Swap       decimal.Decimal  `json:"swap"`
	Commission decimal.Decimal  `json:"commission"`
	Comment    string           `json:"comment"`
}

// OrderRequest is a market order hand-off to the broker.
type OrderRequest struct {
	Symbol     string
	Direction  market.Direction
	Volume     decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Comment    string
}

// OrderResult is the broker acknowledgement of a filled order.
type OrderResult struct {
	Ticket string
	Price  decimal.Decimal // actual fill price
}

// Outcome classifies a closed trade.
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// ClassifyPnL maps a realized result to an outcome. PnL inside
// ±epsilon counts as breakeven.
func ClassifyPnL(pnl, epsilon decimal.Decimal) Outcome {
	if pnl.Abs().LessThanOrEqual(epsilon) {
		return OutcomeBreakeven
	}
	if pnl.IsNegative() {
		return OutcomeLoss
	}
	return OutcomeWin
}

// ClosedTradeEvent is the broker-agnostic close record. Every
// connector owns an adapter from its native format to this one.
type ClosedTradeEvent struct {
	Ticket     string
	Symbol     string
	Direction  market.Direction
	Volume     decimal.Decimal
	Entry      decimal.Decimal
	Exit       decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
	Pips       decimal.Decimal
	PnL        decimal.Decimal
	Result     Outcome
	ExitReason string
	BrokerID   string
	SignalID   string
}

// AccountInfo is the account snapshot the risk layer sizes against.
type AccountInfo struct {
	Equity   decimal.Decimal `json:"equity"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}
