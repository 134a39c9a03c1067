// Package signal defines the trade signal and the factory that turns
// strategy candidates into persisted PENDING signals.
package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// Mode says whether a signal trades real money or feeds the shadow
// ledger.
type Mode string

const (
	ModeReal    Mode = "REAL"
	ModeVirtual Mode = "VIRTUAL"
)

// Status is the signal lifecycle state. It advances monotonically and
// never returns to PENDING.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusExecuted Status = "EXECUTED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// CanTransition reports whether moving to the given status is legal.
// PENDING may advance anywhere; terminal states are final.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return false
	}
	return s == StatusPending
}

// Signal is one proposed trade, persisted before any execution step.
// After persistence the database row is the source of truth.
type Signal struct {
	ID          string `gorm:"primaryKey"` // unique signal id
	TraceID     string `gorm:"index"`      // scanner cycle trace, carried end to end
	Symbol      string `gorm:"index"`      // canonical
	Direction   market.Direction
	Entry       decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Strategy    string          `gorm:"index"`
	Timeframe   market.Timeframe
	GeneratedAt time.Time `gorm:"index"`
	Score       float64   // 0-100 after confluence adjustment
	Regime      regime.Label
	Mode        Mode
	Status      Status `gorm:"index"`
	Reject      string // reason when REJECTED
	Ticket      string // broker ticket back-written after execution
}

// RiskDistance returns the absolute entry-to-stop distance.
func (s *Signal) RiskDistance() decimal.Decimal {
	return s.Entry.Sub(s.StopLoss).Abs()
}

// Age returns how long the signal has existed.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}

// Stale reports whether a PENDING signal outlived its timeframe's
// actionable window.
func (s *Signal) Stale(now time.Time) bool {
	return s.Status == StatusPending && s.Age(now) > s.Timeframe.PendingTimeout()
}
