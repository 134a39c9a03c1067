// Package tuner adjusts the tunable parameter set from realized
// outcomes. It runs on a closure cadence and immediately after a
// lockdown; every change is bounded, versioned and logged.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/store"
)

// Run triggers, persisted on the tuning log.
const (
	TriggerCadence  = "cadence"
	TriggerLockdown = "lockdown"
	TriggerOperator = "operator"
)

// Tuner owns the feedback loop from closed trades back into the live
// parameter set.
type Tuner struct {
	db  *store.Store
	cfg config.TunerConfig
}

func New(db *store.Store, cfg config.TunerConfig) *Tuner {
	return &Tuner{db: db, cfg: cfg}
}

// stats is what one lookback window of closures boils down to.
type stats struct {
	trades   int
	wins     int
	losses   int
	winRate  float64
	pf       float64 // gross wins over gross losses
	stopOuts int     // losses that ended at the protective stop
	timeOuts int     // losses closed by the time exit
}

// Run executes one bounded tuning pass. The returned set is the live
// one afterwards, changed or not.
func (t *Tuner) Run(ctx context.Context, trigger string) (params.Params, error) {
	metrics.TunerRuns.Inc()

	before, err := t.db.CurrentParams(ctx)
	if err != nil {
		return params.Params{}, fmt.Errorf("load params: %w", err)
	}

	trades, err := t.db.RecentTradeResults(ctx, t.cfg.LookbackTrades)
	if err != nil {
		return params.Params{}, fmt.Errorf("load closures: %w", err)
	}
	if len(trades) == 0 {
		log.Debug().Str("trigger", trigger).Msg("Tuner has nothing to learn from yet")
		return before, nil
	}

	st := tally(trades)
	after, moves := t.retune(before, st, trigger)

	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	rationale := fmt.Sprintf("win_rate=%.2f pf=%.2f stop_outs=%d/%d time_exits=%d/%d",
		st.winRate, st.pf, st.stopOuts, st.losses, st.timeOuts, st.losses)
	if len(moves) > 0 {
		rationale += "; " + strings.Join(moves, ", ")
	}

	entry := &store.TuningLog{
		ParamsVersion:  uint(before.Version),
		TriggeredBy:    trigger,
		TradesExamined: len(trades),
		Before:         string(beforeJSON),
		After:          string(afterJSON),
		Rationale:      rationale,
	}

	if len(moves) == 0 {
		// Within bounds already: log the run, keep the version.
		if err := t.db.AppendTuningLog(ctx, entry); err != nil {
			return before, fmt.Errorf("append tuning log: %w", err)
		}
		log.Info().
			Str("trigger", trigger).
			Int("trades", len(trades)).
			Msg("🧠 Tuner ran, parameters already in balance")
		return before, nil
	}

	saved, err := t.db.SaveParams(ctx, after, "tuner", trigger)
	if err != nil {
		return before, fmt.Errorf("save params: %w", err)
	}
	entry.ParamsVersion = uint(saved.Version)
	if err := t.db.AppendTuningLog(ctx, entry); err != nil {
		return saved, fmt.Errorf("append tuning log: %w", err)
	}

	log.Info().
		Str("trigger", trigger).
		Int("version", saved.Version).
		Int("trades", len(trades)).
		Str("moves", strings.Join(moves, ", ")).
		Msg("🧠 Parameters retuned")
	return saved, nil
}

func tally(trades []*store.TradeResult) stats {
	var st stats
	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	for _, tr := range trades {
		st.trades++
		switch tr.Result {
		case string(broker.OutcomeWin):
			st.wins++
			grossWin = grossWin.Add(tr.PnL)
		case string(broker.OutcomeLoss):
			st.losses++
			grossLoss = grossLoss.Add(tr.PnL.Abs())
			switch tr.ExitReason {
			case "SL_HIT", "EMERGENCY_MAX_DRAWDOWN":
				st.stopOuts++
			case "TIME_EXIT":
				st.timeOuts++
			}
		}
	}
	if decided := st.wins + st.losses; decided > 0 {
		st.winRate = float64(st.wins) / float64(decided)
	}
	if grossLoss.IsPositive() {
		st.pf, _ = grossWin.Div(grossLoss).Round(4).Float64()
	} else if grossWin.IsPositive() {
		st.pf = 99
	}
	return st
}

// retune proposes the next parameter set. Each lever moves by a fixed
// step per run and is clamped to its configured bounds, so a bad streak
// can never push the system outside its envelope.
func (t *Tuner) retune(p params.Params, st stats, trigger string) (params.Params, []string) {
	out := p
	var moves []string

	switch {
	case st.winRate < 0.45:
		out.MinScore = clamp(p.MinScore+5, t.cfg.MinScoreFloor, t.cfg.MinScoreCeil)
		out.ADXThreshold = clamp(p.ADXThreshold+1, t.cfg.ADXMin, t.cfg.ADXMax)
		out.PerTradeRiskPct = clamp(p.PerTradeRiskPct*0.8, t.cfg.RiskPctMin, t.cfg.RiskPctMax)
		moves = append(moves, "tighten gate on weak win rate")
	case st.winRate > 0.60 && st.pf > 1.5:
		out.MinScore = clamp(p.MinScore-2.5, t.cfg.MinScoreFloor, t.cfg.MinScoreCeil)
		out.ADXThreshold = clamp(p.ADXThreshold-0.5, t.cfg.ADXMin, t.cfg.ADXMax)
		out.PerTradeRiskPct = clamp(p.PerTradeRiskPct*1.1, t.cfg.RiskPctMin, t.cfg.RiskPctMax)
		moves = append(moves, "loosen gate on strong edge")
	}

	// Where the losses die tells us about stop placement: mostly at the
	// stop means too tight, mostly at the time exit means too loose.
	if st.losses > 0 {
		stopShare := float64(st.stopOuts) / float64(st.losses)
		timeShare := float64(st.timeOuts) / float64(st.losses)
		if stopShare >= 0.6 {
			out.ATRMultiplier = clamp(p.ATRMultiplier+0.25, t.cfg.ATRMultMin, t.cfg.ATRMultMax)
			moves = append(moves, "widen stops")
		} else if timeShare >= 0.5 {
			out.ATRMultiplier = clamp(p.ATRMultiplier-0.25, t.cfg.ATRMultMin, t.cfg.ATRMultMax)
			moves = append(moves, "tighten stops")
		}
	}

	if trigger == TriggerLockdown {
		out.PerTradeRiskPct = clamp(out.PerTradeRiskPct*0.5, t.cfg.RiskPctMin, t.cfg.RiskPctMax)
		out.MinScore = clamp(out.MinScore+10, t.cfg.MinScoreFloor, t.cfg.MinScoreCeil)
		moves = append(moves, "defensive cut after lockdown")
	}

	if equalLevers(p, out) {
		return p, nil
	}
	return out, moves
}

// equalLevers reports whether the four tuned levers are unchanged.
func equalLevers(a, b params.Params) bool {
	return a.ADXThreshold == b.ADXThreshold &&
		a.ATRMultiplier == b.ATRMultiplier &&
		a.MinScore == b.MinScore &&
		a.PerTradeRiskPct == b.PerTradeRiskPct
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
