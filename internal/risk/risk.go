// Package risk is the final veto on REAL signals and the single
// authority for position sizing.
package risk

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Capital preservation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Factory asks → Risk approves/rejects → Executor executes
//
// Checks run in a fixed order; the first failure wins and its reason
// travels back on the rejected signal. Lockdown state lives in the
// store so an approval can never race a lockdown-triggering close.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

// lockdownCooloff is how long a lockdown must stand before the optional
// auto-clear lifts it. Operator reset stays the primary path; auto-clear
// is opt-in via risk.auto_clear_lockdown.
const lockdownCooloff = 24 * time.Hour

// Veto reasons, stable strings persisted on rejected signals.
const (
	ReasonLockdown      = "LOCKDOWN"
	ReasonAccountRisk   = "ACCOUNT_RISK_EXCEEDED"
	ReasonDuplicate     = "DUPLICATE_POSITION"
	ReasonConcentration = "CONCENTRATION_LIMIT"
)

// Approval is the answer to a trade request.
type Approval struct {
	Approved bool
	Reason   string
}

// Manager enforces the account-level guardrails.
type Manager struct {
	db      *store.Store
	cfg     config.RiskConfig
	cooloff time.Duration
}

func NewManager(db *store.Store, cfg config.RiskConfig) *Manager {
	return &Manager{db: db, cfg: cfg, cooloff: lockdownCooloff}
}

// CanTakeNewTrade runs the veto chain for one REAL signal against the
// currently open positions. perTradeRiskPct is the live tunable
// fraction; the prospective trade is charged at its full target risk.
//
// Order: lockdown, aggregate account risk, duplicate (symbol,
// direction), per-symbol concentration.
func (m *Manager) CanTakeNewTrade(ctx context.Context, sig *signal.Signal, open []*store.Position, perTradeRiskPct float64) (Approval, error) {
	rs, err := m.db.GetRiskState(ctx)
	if err != nil {
		return Approval{}, err
	}

	reject := func(reason string) Approval {
		log.Debug().
			Str("signal", sig.ID).
			Str("symbol", sig.Symbol).
			Str("reason", reason).
			Msg("🚫 Trade vetoed")
		return Approval{Approved: false, Reason: reason}
	}

	if rs.Lockdown {
		if !m.autoClearDue(rs) {
			return reject(ReasonLockdown), nil
		}
		if err := m.ResetLockdown(ctx); err != nil {
			return Approval{}, err
		}
		log.Warn().Msg("⏰ Lockdown auto-cleared after cool-off")
	}

	committed := decimal.Zero
	duplicate := false
	onSymbol := 0
	for _, pos := range open {
		committed = committed.Add(pos.InitialRisk)
		if pos.Symbol == sig.Symbol {
			onSymbol++
			if pos.Direction == sig.Direction {
				duplicate = true
			}
		}
	}

	target := rs.Equity.Mul(decimal.NewFromFloat(perTradeRiskPct)).Div(decimal.NewFromInt(100))
	accountCap := rs.Equity.Mul(decimal.NewFromFloat(m.cfg.MaxAccountRiskPct)).Div(decimal.NewFromInt(100))
	if committed.Add(target).GreaterThan(accountCap) {
		return reject(ReasonAccountRisk), nil
	}

	if duplicate {
		return reject(ReasonDuplicate), nil
	}

	if onSymbol >= m.cfg.MaxPerSymbol {
		return reject(ReasonConcentration), nil
	}

	log.Info().
		Str("signal", sig.ID).
		Str("symbol", sig.Symbol).
		Str("committed", committed.StringFixed(2)).
		Str("target", target.StringFixed(2)).
		Str("cap", accountCap.StringFixed(2)).
		Msg("✅ Trade approved")

	return Approval{Approved: true}, nil
}

func (m *Manager) autoClearDue(rs *store.RiskState) bool {
	return m.cfg.AutoClearLockdown && rs.LockdownSince != nil &&
		time.Since(*rs.LockdownSince) >= m.cooloff
}

// RecordTradeResult feeds one closure into the risk state. The loss
// streak, equity and lockdown flag update in the same transaction that
// persists the trade result.
func (m *Manager) RecordTradeResult(ctx context.Context, res *store.TradeResult) (store.ClosureOutcome, error) {
	out, err := m.db.RecordTradeClosure(ctx, res, m.cfg.MaxConsecutiveLosses)
	if err != nil || out.AlreadyRecorded {
		return out, err
	}

	switch res.Result {
	case string(broker.OutcomeLoss):
		log.Warn().
			Str("symbol", res.Symbol).
			Str("pnl", res.PnL.StringFixed(2)).
			Int("consecutive_losses", out.Risk.ConsecutiveLosses).
			Msg("📉 Loss recorded")
	case string(broker.OutcomeWin):
		log.Info().
			Str("symbol", res.Symbol).
			Str("pnl", res.PnL.StringFixed(2)).
			Msg("📈 Win recorded")
	}

	if out.LockdownEngaged {
		metrics.LockdownActive.Set(1)
		log.Error().
			Int("consecutive_losses", out.Risk.ConsecutiveLosses).
			Str("equity", out.Risk.Equity.StringFixed(2)).
			Msg("🚨 LOCKDOWN ENGAGED")
	}
	return out, nil
}

// ResetLockdown is the operator escape hatch.
func (m *Manager) ResetLockdown(ctx context.Context) error {
	if err := m.db.ResetLockdown(ctx); err != nil {
		return err
	}
	metrics.LockdownActive.Set(0)
	log.Info().Msg("✅ Lockdown reset")
	return nil
}

// Status returns the current risk state for the control surface.
func (m *Manager) Status(ctx context.Context) (*store.RiskState, error) {
	return m.db.GetRiskState(ctx)
}
