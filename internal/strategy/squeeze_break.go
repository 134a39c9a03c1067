package strategy

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SQUEEZE BREAK - Volatility contraction breakout
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: ATR% compressed below its rolling baseline, then the close
//        breaks the prior N-bar extreme.
// SL:    params ATR multiplier behind entry
// TP:    2.5x the stop distance
//
// ═══════════════════════════════════════════════════════════════════════════════

type SqueezeBreak struct {
	lookback       int
	squeezeFactor  float64 // ATR% must sit below factor * baseline
	targetMultiple float64
}

func NewSqueezeBreak() *SqueezeBreak {
	s := &SqueezeBreak{lookback: 14, squeezeFactor: 0.8, targetMultiple: 2.5}
	log.Info().Int("lookback", s.lookback).Msg("📊 SqueezeBreak strategy initialized")
	return s
}

func (s *SqueezeBreak) Name() string { return "SqueezeBreak" }

func (s *SqueezeBreak) ApplicableRegimes() []regime.Label {
	return []regime.Label{regime.Normal, regime.Volatile}
}

func (s *SqueezeBreak) Generate(_ context.Context, in Input) []Candidate {
	snap := in.Snap
	if snap.ATR <= 0 || snap.ATRPctMean30 <= 0 || len(in.Bars) < s.lookback+1 {
		return nil
	}
	// No squeeze, no trade.
	if snap.ATRPct > s.squeezeFactor*snap.ATRPctMean30 {
		return nil
	}

	// Prior extreme excludes the breakout bar itself.
	prior := in.Bars[len(in.Bars)-1-s.lookback : len(in.Bars)-1]
	hi := prior[0].High
	lo := prior[0].Low
	for _, b := range prior[1:] {
		if b.High.GreaterThan(hi) {
			hi = b.High
		}
		if b.Low.LessThan(lo) {
			lo = b.Low
		}
	}

	entry := in.Bars[len(in.Bars)-1].Close
	var dir market.Direction
	switch {
	case entry.GreaterThan(hi):
		dir = market.Buy
	case entry.LessThan(lo):
		dir = market.Sell
	default:
		return nil
	}

	stopDist := decimal.NewFromFloat(in.Params.ATRMultiplier * snap.ATR)
	if stopDist.IsZero() {
		return nil
	}
	target := stopDist.Mul(decimal.NewFromFloat(s.targetMultiple))

	var sl, tp decimal.Decimal
	if dir == market.Buy {
		sl = entry.Sub(stopDist)
		tp = entry.Add(target)
	} else {
		sl = entry.Add(stopDist)
		tp = entry.Sub(target)
	}

	compression := 1 - snap.ATRPct/(s.squeezeFactor*snap.ATRPctMean30)
	score := 58 + compression*15

	return []Candidate{{
		Symbol:     in.Symbol,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Score:      score,
		Reason:     "breakout from volatility squeeze",
		Strategy:   s.Name(),
		Timeframe:  in.Timeframe,
	}}
}
