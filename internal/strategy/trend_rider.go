package strategy

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TREND RIDER - Pullback continuation in trending markets
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: price pulls back to within pullbackATR of SMA(20) inside an
//        established trend, then the last bar resumes in the trend
//        direction.
// SL:    ATR multiplier from params behind entry
// TP:    2x the stop distance (1:2 R:R)
//
// Score: 60 base, plus up to 20 for ADX strength over the threshold,
// plus up to 10 for slope steepness.
//
// ═══════════════════════════════════════════════════════════════════════════════

type TrendRider struct {
	pullbackATR float64 // proximity to SMA(20) in ATRs
}

// NewTrendRider creates the trend continuation strategy.
func NewTrendRider() *TrendRider {
	s := &TrendRider{pullbackATR: 0.5}
	log.Info().Float64("pullback_atr", s.pullbackATR).Msg("📊 TrendRider strategy initialized")
	return s
}

func (s *TrendRider) Name() string { return "TrendRider" }

func (s *TrendRider) ApplicableRegimes() []regime.Label {
	return []regime.Label{regime.Trend}
}

// Generate proposes at most one continuation entry per snapshot.
func (s *TrendRider) Generate(_ context.Context, in Input) []Candidate {
	snap := in.Snap
	if snap.ATR <= 0 || snap.SMAShort <= 0 || len(in.Bars) < 2 {
		return nil
	}

	var dir market.Direction
	switch {
	case snap.SlopePct > 0:
		dir = market.Buy
	case snap.SlopePct < 0:
		dir = market.Sell
	default:
		return nil
	}

	// Pullback: price near the short average.
	dist := snap.Close - snap.SMAShort
	if dist < 0 {
		dist = -dist
	}
	if dist > s.pullbackATR*snap.ATR {
		return nil
	}

	// Resumption: last bar closed in the trend direction.
	last := in.Bars[len(in.Bars)-1]
	barUp := last.Close.GreaterThan(last.Open)
	if (dir == market.Buy && !barUp) || (dir == market.Sell && barUp) {
		return nil
	}

	entry := last.Close
	stopDist := decimal.NewFromFloat(in.Params.ATRMultiplier * snap.ATR)
	if stopDist.IsZero() {
		return nil
	}

	var sl, tp decimal.Decimal
	if dir == market.Buy {
		sl = entry.Sub(stopDist)
		tp = entry.Add(stopDist.Mul(decimal.NewFromInt(2)))
	} else {
		sl = entry.Add(stopDist)
		tp = entry.Sub(stopDist.Mul(decimal.NewFromInt(2)))
	}

	score := 60.0
	if adxEdge := snap.ADX - in.Params.ADXThreshold; adxEdge > 0 {
		if adxEdge > 20 {
			adxEdge = 20
		}
		score += adxEdge
	}
	slopeBonus := snap.SlopePct / in.Params.SlopeMinPct
	if slopeBonus < 0 {
		slopeBonus = -slopeBonus
	}
	if slopeBonus > 10 {
		slopeBonus = 10
	}
	score += slopeBonus

	return []Candidate{{
		Symbol:     in.Symbol,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Score:      score,
		Reason:     "pullback to SMA20 resumed with trend",
		Strategy:   s.Name(),
		Timeframe:  in.Timeframe,
	}}
}
