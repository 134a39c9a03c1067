package strategy

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RANGE FADER - Band-edge reversion in ranging markets
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: price within edgeATR of the N-bar range extreme, faded back
//        toward the middle of the range.
// SL:    0.75x params ATR multiplier beyond the extreme
// TP:    the range midpoint
//
// ═══════════════════════════════════════════════════════════════════════════════

type RangeFader struct {
	lookback int
	edgeATR  float64
}

// NewRangeFader creates the mean-reversion strategy.
func NewRangeFader() *RangeFader {
	s := &RangeFader{lookback: 20, edgeATR: 0.25}
	log.Info().Int("lookback", s.lookback).Msg("📊 RangeFader strategy initialized")
	return s
}

func (s *RangeFader) Name() string { return "RangeFader" }

func (s *RangeFader) ApplicableRegimes() []regime.Label {
	return []regime.Label{regime.Range}
}

func (s *RangeFader) Generate(_ context.Context, in Input) []Candidate {
	if in.Snap.ATR <= 0 || len(in.Bars) < s.lookback {
		return nil
	}

	window := in.Bars[len(in.Bars)-s.lookback:]
	hi := window[0].High
	lo := window[0].Low
	for _, b := range window[1:] {
		if b.High.GreaterThan(hi) {
			hi = b.High
		}
		if b.Low.LessThan(lo) {
			lo = b.Low
		}
	}

	height := hi.Sub(lo)
	atr := decimal.NewFromFloat(in.Snap.ATR)
	// A range shorter than two ATRs leaves no room to fade.
	if height.LessThan(atr.Mul(decimal.NewFromInt(2))) {
		return nil
	}

	mid := lo.Add(height.Div(decimal.NewFromInt(2)))
	entry := window[len(window)-1].Close
	edge := atr.Mul(decimal.NewFromFloat(s.edgeATR))
	slPad := atr.Mul(decimal.NewFromFloat(in.Params.ATRMultiplier * 0.75))

	var c Candidate
	switch {
	case hi.Sub(entry).LessThanOrEqual(edge):
		// At the top of the range: fade short toward the mid.
		c = Candidate{
			Direction:  market.Sell,
			Entry:      entry,
			StopLoss:   hi.Add(slPad),
			TakeProfit: mid,
			Reason:     "fade from range high",
		}
	case entry.Sub(lo).LessThanOrEqual(edge):
		c = Candidate{
			Direction:  market.Buy,
			Entry:      entry,
			StopLoss:   lo.Sub(slPad),
			TakeProfit: mid,
			Reason:     "fade from range low",
		}
	default:
		return nil
	}

	// Weak ADX makes a cleaner range; score it higher.
	score := 55.0
	if in.Params.ADXThreshold > 0 && in.Snap.ADX < in.Params.ADXThreshold {
		score += (in.Params.ADXThreshold - in.Snap.ADX) / in.Params.ADXThreshold * 15
	}

	c.Symbol = in.Symbol
	c.Score = score
	c.Strategy = s.Name()
	c.Timeframe = in.Timeframe
	if c.Validate() != nil {
		return nil
	}
	return []Candidate{c}
}
