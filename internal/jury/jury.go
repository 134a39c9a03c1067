// Package jury decides per signal whether the emitting strategy is
// currently qualified to risk real capital on the signal's (symbol,
// regime), tagging it REAL or VIRTUAL.
package jury

// ═══════════════════════════════════════════════════════════════════════════════
// SHADOW JURY - Strategies earn real capital in the shadow ledger
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every strategy starts VIRTUAL. Promotion requires its shadow record
// for the signal's (symbol, regime) to clear the bar:
//
//   win rate > 55%  AND  profit factor > 1.5
//   AND (5 consecutive virtual wins OR ≥ 20 recorded trades)
//
// The real ledger demotes: symbol drawdown past the limit, a real
// loss streak, or a record that fails the bar in the current regime
// (drift). Quarantine lasts until the shadow record re-qualifies.
// Verdicts never touch entry, stop or target.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

// Jury routes signals between real and shadow execution. It implements
// signal.Router.
type Jury struct {
	db  *store.Store
	cfg config.JuryConfig

	mu       sync.Mutex
	verdicts map[string]bool // last verdict per (strategy, symbol, regime)
}

func New(db *store.Store, cfg config.JuryConfig) *Jury {
	return &Jury{db: db, cfg: cfg, verdicts: make(map[string]bool)}
}

// Route tags one signal. Any doubt, including a store failure, routes
// to the shadow ledger.
func (j *Jury) Route(ctx context.Context, s *signal.Signal) signal.Mode {
	real, reason := j.decide(ctx, s)
	j.observe(s, real, reason)
	if real {
		return signal.ModeReal
	}
	return signal.ModeVirtual
}

func (j *Jury) decide(ctx context.Context, s *signal.Signal) (bool, string) {
	rs, err := j.db.GetRiskState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Jury cannot read risk state, routing virtual")
		return false, "risk state unavailable"
	}

	if ok, reason := j.realRecordHealthy(ctx, s.Strategy, s.Symbol, rs.Equity); !ok {
		return false, reason
	}

	rec, err := j.virtualRecord(ctx, s.Strategy, s.Symbol, s.Regime)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Jury cannot read shadow ledger, routing virtual")
		return false, "shadow ledger unavailable"
	}

	if !j.qualifies(rec) {
		return false, fmt.Sprintf("shadow record below bar: wr=%.2f pf=%.2f streak=%d trades=%d",
			rec.WinRate, rec.ProfitFactor, rec.ConsecWins, rec.Trades)
	}
	return true, ""
}

// record aggregates one shadow ledger slice.
type record struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	ProfitFactor float64
	ConsecWins   int
}

func (j *Jury) qualifies(rec record) bool {
	if rec.WinRate <= j.cfg.PromoteWinRate {
		return false
	}
	if rec.ProfitFactor <= j.cfg.PromoteProfitFactor {
		return false
	}
	return rec.ConsecWins >= j.cfg.PromoteStreak || rec.Trades >= j.cfg.PromoteMinTrades
}

// virtualRecord loads the rolling shadow slice: the configured window,
// widened to the last RingSize outcomes when the window is sparse.
func (j *Jury) virtualRecord(ctx context.Context, strat, symbol string, label regime.Label) (record, error) {
	since := time.Now().Add(-j.cfg.Window)
	trades, err := j.db.VirtualTradesFor(ctx, strat, symbol, label, since, j.cfg.RingSize*5)
	if err != nil {
		return record{}, err
	}
	if len(trades) < j.cfg.RingSize {
		ring, err := j.db.VirtualTradesFor(ctx, strat, symbol, label, time.Unix(0, 0).UTC(), j.cfg.RingSize)
		if err != nil {
			return record{}, err
		}
		if len(ring) > len(trades) {
			trades = ring
		}
	}
	return tally(trades), nil
}

// tally folds resolved trades, newest first, into a record.
func tally(trades []*store.VirtualTrade) record {
	var rec record
	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	streakAlive := true

	for _, vt := range trades {
		switch vt.Status {
		case store.VirtualWin:
			rec.Wins++
			grossWin = grossWin.Add(vt.RMultiple.Abs())
			if streakAlive {
				rec.ConsecWins++
			}
		case store.VirtualLoss:
			rec.Losses++
			grossLoss = grossLoss.Add(vt.RMultiple.Abs())
			streakAlive = false
		default:
			continue // still open
		}
	}

	rec.Trades = rec.Wins + rec.Losses
	if rec.Trades > 0 {
		rec.WinRate = float64(rec.Wins) / float64(rec.Trades)
	}
	switch {
	case grossLoss.IsZero() && grossWin.IsZero():
		rec.ProfitFactor = 0
	case grossLoss.IsZero():
		rec.ProfitFactor = math.Inf(1)
	default:
		rec.ProfitFactor = grossWin.Div(grossLoss).InexactFloat64()
	}
	return rec
}

// realRecordHealthy applies the demotion rules against the real ledger
// for this (strategy, symbol).
func (j *Jury) realRecordHealthy(ctx context.Context, strat, symbol string, equity decimal.Decimal) (bool, string) {
	since := time.Now().Add(-j.cfg.Window)
	results, err := j.db.TradeResultsFor(ctx, strat, symbol, since, 200)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Jury cannot read real ledger, routing virtual")
		return false, "real ledger unavailable"
	}
	if len(results) == 0 {
		return true, ""
	}

	// Loss streak, newest first; breakeven neither breaks nor extends.
	streak := 0
	for _, res := range results {
		if res.Result == string(broker.OutcomeBreakeven) {
			continue
		}
		if res.Result != string(broker.OutcomeLoss) {
			break
		}
		streak++
	}
	if streak >= j.cfg.DemoteLossStreak {
		return false, fmt.Sprintf("real loss streak %d", streak)
	}

	// Peak-to-trough drawdown across the window, oldest first.
	cum := decimal.Zero
	peak := decimal.Zero
	drawdown := decimal.Zero
	for i := len(results) - 1; i >= 0; i-- {
		cum = cum.Add(results[i].PnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(drawdown) {
			drawdown = dd
		}
	}
	if !equity.IsZero() {
		ddPct := drawdown.Div(equity).Mul(decimal.NewFromInt(100))
		if ddPct.GreaterThan(decimal.NewFromFloat(j.cfg.DemoteDrawdownPct)) {
			return false, fmt.Sprintf("drawdown %s%% on symbol", ddPct.StringFixed(2))
		}
	}
	return true, ""
}

// observe logs verdict transitions once per (strategy, symbol, regime).
func (j *Jury) observe(s *signal.Signal, real bool, reason string) {
	key := s.Strategy + "|" + s.Symbol + "|" + string(s.Regime)

	j.mu.Lock()
	prev, seen := j.verdicts[key]
	j.verdicts[key] = real
	j.mu.Unlock()

	if seen && prev == real {
		return
	}
	if real {
		log.Info().
			Str("strategy", s.Strategy).
			Str("symbol", s.Symbol).
			Str("regime", string(s.Regime)).
			Msg("⚖️ Strategy promoted to real capital")
		return
	}
	log.Info().
		Str("strategy", s.Strategy).
		Str("symbol", s.Symbol).
		Str("regime", string(s.Regime)).
		Str("reason", reason).
		Msg("⚖️ Strategy routed to shadow ledger")
}
