package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// ClosureOutcome is what RecordTradeClosure hands back so the caller
// can react to a lockdown transition without a second read.
type ClosureOutcome struct {
	AlreadyRecorded bool
	Risk            RiskState
	LockdownEngaged bool // true only on the transition edge
}

// RecordTradeClosure is the single serialized write of the closure
// path: the trade result row, the position close, and the risk-state
// update land in one transaction. A ticket seen before returns
// AlreadyRecorded with no side effects.
func (s *Store) RecordTradeClosure(ctx context.Context, res *TradeResult, maxConsecutiveLosses int) (ClosureOutcome, error) {
	var out ClosureOutcome
	err := s.withWrite(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TradeResult{}).Where("ticket = ?", res.Ticket).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			out.AlreadyRecorded = true
			return nil
		}

		if err := tx.Create(res).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&Position{}).
			Where("ticket = ? AND status = ?", res.Ticket, PositionOpen).
			Updates(map[string]interface{}{
				"status":      PositionClosed,
				"exit_price":  res.Exit,
				"exit_time":   res.ExitTime,
				"exit_reason": res.ExitReason,
				"pnl":         res.PnL,
			}).Error; err != nil {
			return err
		}

		var rs RiskState
		if err := tx.First(&rs, "id = ?", 1).Error; err != nil {
			return notFound(err)
		}

		wasLocked := rs.Lockdown
		switch res.Result {
		case string(broker.OutcomeLoss):
			rs.ConsecutiveLosses++
		case string(broker.OutcomeWin):
			rs.ConsecutiveLosses = 0
		}
		// Breakeven leaves the streak untouched.
		if rs.ConsecutiveLosses >= maxConsecutiveLosses && !rs.Lockdown {
			rs.Lockdown = true
			rs.LockdownSince = &now
		}
		rs.Equity = rs.Equity.Add(res.PnL)
		rs.LastOutcome = res.Result

		if err := tx.Model(&RiskState{}).Where("id = ?", 1).
			Select("*").Omit("id").
			Updates(&rs).Error; err != nil {
			return err
		}

		out.Risk = rs
		out.LockdownEngaged = rs.Lockdown && !wasLocked
		return nil
	})
	return out, err
}

// HasTradeResult reports whether a ticket is already recorded.
func (s *Store) HasTradeResult(ctx context.Context, ticket string) (bool, error) {
	var count int64
	err := s.read(ctx).Model(&TradeResult{}).Where("ticket = ?", ticket).Count(&count).Error
	return count > 0, err
}

// RecentTradeResults returns the newest closures first.
func (s *Store) RecentTradeResults(ctx context.Context, limit int) ([]*TradeResult, error) {
	var out []*TradeResult
	err := s.read(ctx).Order("exit_time DESC").Limit(limit).Find(&out).Error
	return out, err
}

// TradeResultsSince returns closures after the cutoff, oldest first.
func (s *Store) TradeResultsSince(ctx context.Context, since time.Time) ([]*TradeResult, error) {
	var out []*TradeResult
	err := s.read(ctx).
		Where("exit_time > ?", since).
		Order("exit_time ASC").
		Find(&out).Error
	return out, err
}

// TradeResultsFor returns the real-ledger record of one strategy on
// one symbol after the cutoff, newest first.
func (s *Store) TradeResultsFor(ctx context.Context, strategy, symbol string, since time.Time, limit int) ([]*TradeResult, error) {
	var out []*TradeResult
	err := s.read(ctx).
		Where("strategy = ? AND symbol = ? AND exit_time > ?", strategy, symbol, since).
		Order("exit_time DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountTradeResultsSince counts closures after the cutoff.
func (s *Store) CountTradeResultsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.read(ctx).Model(&TradeResult{}).Where("created_at > ?", since).Count(&count).Error
	return count, err
}

// GetRiskState loads the singleton row.
func (s *Store) GetRiskState(ctx context.Context) (*RiskState, error) {
	var rs RiskState
	if err := s.read(ctx).First(&rs, "id = ?", 1).Error; err != nil {
		return nil, notFound(err)
	}
	return &rs, nil
}

// ResetLockdown clears the lockdown and the loss streak. Operator
// action only.
func (s *Store) ResetLockdown(ctx context.Context) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RiskState{}).Where("id = ?", 1).
			Updates(map[string]interface{}{
				"lockdown":           false,
				"lockdown_since":     nil,
				"consecutive_losses": 0,
			}).Error
	})
}

// UpdateEquity refreshes the equity snapshot from the broker account.
func (s *Store) UpdateEquity(ctx context.Context, equity decimal.Decimal) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RiskState{}).Where("id = ?", 1).
			Update("equity", equity).Error
	})
}

// SetRiskFractions overwrites the live risk fractions.
func (s *Store) SetRiskFractions(ctx context.Context, perTradePct, maxAccountPct float64) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Model(&RiskState{}).Where("id = ?", 1).
			Updates(map[string]interface{}{
				"per_trade_risk_pct":   perTradePct,
				"max_account_risk_pct": maxAccountPct,
			}).Error
	})
}

// InsertVirtualTrade opens a shadow-ledger entry.
func (s *Store) InsertVirtualTrade(ctx context.Context, vt *VirtualTrade) error {
	vt.Status = VirtualOpen
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(vt).Error
	})
}

// OpenVirtualTrades lists unresolved shadow entries.
func (s *Store) OpenVirtualTrades(ctx context.Context) ([]*VirtualTrade, error) {
	var out []*VirtualTrade
	err := s.read(ctx).
		Where("status = ?", VirtualOpen).
		Order("opened_at ASC").
		Find(&out).Error
	return out, err
}

// ResolveVirtualTrade closes a shadow entry with its outcome and
// realized R multiple.
func (s *Store) ResolveVirtualTrade(ctx context.Context, id uint, status string, r decimal.Decimal, at time.Time) error {
	return s.withWrite(ctx, func(tx *gorm.DB) error {
		return tx.Model(&VirtualTrade{}).
			Where("id = ? AND status = ?", id, VirtualOpen).
			Updates(map[string]interface{}{
				"status":      status,
				"r_multiple":  r,
				"resolved_at": at,
			}).Error
	})
}

// VirtualTradesFor returns the shadow record of one strategy on one
// symbol in one regime, newest first.
func (s *Store) VirtualTradesFor(ctx context.Context, strategy, symbol string, label regime.Label, since time.Time, limit int) ([]*VirtualTrade, error) {
	var out []*VirtualTrade
	err := s.read(ctx).
		Where("strategy = ? AND symbol = ? AND regime = ? AND opened_at > ?", strategy, symbol, label, since).
		Order("opened_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
