package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// Position statuses.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// PositionMetadata statuses.
const (
	MetadataOpening = "OPENING"
	MetadataOpen    = "OPEN"
	MetadataFailed  = "FAILED"
)

// PositionMetadata is the pre-acknowledgement execution record. It is
// written before the broker call so a crash mid-execution leaves a
// recoverable trail keyed by the trace.
type PositionMetadata struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SignalID    string `gorm:"uniqueIndex"`
	TraceID     string `gorm:"index"`
	Symbol      string `gorm:"index"`
	Direction   market.Direction
	Volume      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Entry       decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit  decimal.Decimal `gorm:"type:decimal(20,8)"`
	InitialRisk decimal.Decimal `gorm:"type:decimal(20,2)"` // account currency
	EntryRegime regime.Label
	Strategy    string
	Status      string `gorm:"index"` // OPENING, OPEN, FAILED
	Ticket      string `gorm:"index"` // back-written on acknowledgement
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PositionMetadata) TableName() string { return "position_metadata" }

// Position is the supervised position row, keyed by broker ticket.
// InitialRisk is fixed at open and never rewritten.
type Position struct {
	Ticket       string `gorm:"primaryKey"`
	TraceID      string
	SignalID     string `gorm:"index"`
	Symbol       string `gorm:"index"`
	Direction    market.Direction
	Volume       decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss     decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit   decimal.Decimal `gorm:"type:decimal(20,8)"`
	OpenTime     time.Time
	Timeframe    market.Timeframe
	LastModified *time.Time
	ModsToday    int
	ModsDate     string // calendar day the counter belongs to, YYYY-MM-DD
	RejectStreak int    // consecutive broker modify rejections
	EntryRegime  regime.Label
	InitialRisk  decimal.Decimal `gorm:"type:decimal(20,2)"`
	Strategy     string          `gorm:"index"`
	OrphanSync   bool            // metadata was reconstructed after the fact
	Contested    bool
	Status       string          `gorm:"index"` // OPEN, CLOSED
	ExitPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitTime     *time.Time
	ExitReason   string
	PnL          decimal.Decimal `gorm:"column:pnl;type:decimal(20,2)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ModsFor returns the modification count valid for the given day,
// accounting for the daily reset.
func (p *Position) ModsFor(day string) int {
	if p.ModsDate != day {
		return 0
	}
	return p.ModsToday
}

// TradeResult is one closed trade, unique per broker ticket.
type TradeResult struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Ticket     string `gorm:"uniqueIndex"`
	SignalID   string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Direction  market.Direction
	Volume     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Entry      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Exit       decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryTime  time.Time
	ExitTime   time.Time       `gorm:"index"`
	Pips       decimal.Decimal `gorm:"type:decimal(20,2)"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:decimal(20,2)"`
	Result     string          `gorm:"index"` // WIN, LOSS, BREAKEVEN
	ExitReason string
	BrokerID   string
	Strategy   string `gorm:"index"`
	Regime     regime.Label
	CreatedAt  time.Time
}

// Virtual trade statuses.
const (
	VirtualOpen = "OPEN"
	VirtualWin  = "WIN"
	VirtualLoss = "LOSS"
)

// VirtualTrade is a shadow-ledger entry: a VIRTUAL signal simulated at
// its own prices and resolved against later bars.
type VirtualTrade struct {
	ID         uint         `gorm:"primaryKey;autoIncrement"`
	SignalID   string       `gorm:"uniqueIndex"`
	Symbol     string       `gorm:"index"`
	Strategy   string       `gorm:"index"`
	Regime     regime.Label `gorm:"index"`
	Direction  market.Direction
	Entry      decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss   decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit decimal.Decimal `gorm:"type:decimal(20,8)"`
	Timeframe  market.Timeframe
	OpenedAt   time.Time `gorm:"index"`
	Status     string    `gorm:"index"` // OPEN, WIN, LOSS
	ResolvedAt *time.Time
	RMultiple  decimal.Decimal `gorm:"type:decimal(10,4)"` // realized R at resolution
}

// RiskState is the capital-preservation singleton (row id 1).
type RiskState struct {
	ID                uint            `gorm:"primaryKey"`
	Equity            decimal.Decimal `gorm:"type:decimal(20,2)"`
	ConsecutiveLosses int
	Lockdown          bool
	LockdownSince     *time.Time
	PerTradeRiskPct   float64
	MaxAccountRiskPct float64
	LastOutcome       string
	UpdatedAt         time.Time
}

func (RiskState) TableName() string { return "risk_state" }

// ParamsVersion is one immutable row per tuner or operator write; the
// highest version is live.
type ParamsVersion struct {
	Version          uint `gorm:"primaryKey;autoIncrement"`
	ADXThreshold     float64
	HighVolCutoff    float64
	SlopeMinPct      float64
	BandWidthPct     float64
	ShockFactor      float64
	MinScore         float64
	PerTradeRiskPct  float64
	ATRMultiplier    float64
	BreakevenATRMult float64
	RegimeWeights    string // JSON, regime label -> score weight
	TrailingMults    string // JSON, regime label -> trailing ATR multiplier
	Source           string // seed, tuner, operator
	Note             string
	CreatedAt        time.Time
}

func (ParamsVersion) TableName() string { return "dynamic_params" }

// TuningLog records one tuner run with its before/after parameters.
type TuningLog struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ParamsVersion  uint   `gorm:"index"`
	TriggeredBy    string // cadence, lockdown, operator
	TradesExamined int
	Before         string // JSON params snapshot
	After          string // JSON params snapshot
	Rationale      string
	CreatedAt      time.Time
}

func (TuningLog) TableName() string { return "tuning_log" }

// ModuleToggle enables or disables one pipeline module.
type ModuleToggle struct {
	Module    string `gorm:"primaryKey"`
	Enabled   bool
	UpdatedAt time.Time
}

// RegimeSample is the persisted classification audit row.
type RegimeSample struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"index:idx_regime_symbol_tf"`
	Timeframe string `gorm:"index:idx_regime_symbol_tf"`
	Label     regime.Label
	ADX       float64
	ATR       float64
	ATRPct    float64
	SMAShort  float64
	SMALong   float64
	SlopePct  float64
	At        time.Time `gorm:"index"`
}
