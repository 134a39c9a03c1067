package strategy

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRIFECTA - Multi-timeframe confluence post-filter
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs after strategy generation, before persistence. Four checks:
//   Alignment:  +10 when the higher timeframe trends the same way
//   Trap zone:  hard reject when price fights a strong opposing
//               higher-timeframe trend
//   Narrow:     +5 when the higher timeframe sits in a tight range
//   Dead hours: -10 inside the configured low-liquidity window (UTC)
//
// Degraded mode: with no higher-timeframe sample available the filter
// passes the candidate through untouched and flags the verdict.
//
// ═══════════════════════════════════════════════════════════════════════════════

// HigherTF maps an entry timeframe to the confluence timeframe above it.
func HigherTF(tf market.Timeframe) (market.Timeframe, bool) {
	switch tf {
	case market.M5:
		return market.M15, true
	case market.M15:
		return market.H1, true
	case market.H1:
		return market.H4, true
	case market.H4:
		return market.D1, true
	}
	return "", false
}

// Verdict is the trifecta outcome for one candidate.
type Verdict struct {
	Accepted   bool
	Adjustment float64 // applied to the candidate score
	Degraded   bool    // higher-timeframe data was unavailable
	Reason     string
}

// Trifecta scores confluence against the higher timeframe's regime
// sample.
type Trifecta struct {
	deadStart int // UTC hour, inclusive
	deadEnd   int // UTC hour, exclusive
}

// NewTrifecta creates the filter with the default 21:00-01:00 UTC dead
// window (rollover hours, wide spreads).
func NewTrifecta() *Trifecta {
	return &Trifecta{deadStart: 21, deadEnd: 1}
}

// Check evaluates one candidate. higher is the regime sample of the
// timeframe above the candidate's; nil means degraded pass-through.
func (t *Trifecta) Check(c Candidate, higher *regime.Sample, now time.Time) Verdict {
	if higher == nil {
		return Verdict{Accepted: true, Adjustment: 0, Degraded: true, Reason: "no higher timeframe data"}
	}

	v := Verdict{Accepted: true}

	aligned := (c.Direction == market.Buy && higher.SlopePct > 0) ||
		(c.Direction == market.Sell && higher.SlopePct < 0)

	// Trap zone: entering against an established higher-timeframe
	// trend is the classic stop-out setup.
	if higher.Label == regime.Trend && !aligned {
		log.Debug().
			Str("symbol", c.Symbol).
			Str("strategy", c.Strategy).
			Msg("Trifecta trap-zone reject")
		return Verdict{Accepted: false, Reason: "against higher timeframe trend"}
	}

	if aligned && higher.Label == regime.Trend {
		v.Adjustment += 10
	}
	if higher.Label == regime.Range {
		v.Adjustment += 5
	}
	if t.inDeadWindow(now) {
		v.Adjustment -= 10
	}
	return v
}

func (t *Trifecta) inDeadWindow(now time.Time) bool {
	h := now.UTC().Hour()
	if t.deadStart <= t.deadEnd {
		return h >= t.deadStart && h < t.deadEnd
	}
	// Window wraps midnight.
	return h >= t.deadStart || h < t.deadEnd
}
