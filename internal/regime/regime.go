// Package regime labels market behavior per (symbol, timeframe) from
// one indicator snapshot. The label steers which strategies run, how
// stops trail, and when positions are forced out.
package regime

import (
	"math"
	"time"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/ta"
)

// Label is one market regime.
type Label string

const (
	Trend    Label = "TREND"
	Range    Label = "RANGE"
	Volatile Label = "VOLATILE"
	Shock    Label = "SHOCK"
	Crash    Label = "CRASH"
	Normal   Label = "NORMAL"
)

// Sample is one classification result, persisted per cycle.
type Sample struct {
	Symbol    string
	Timeframe market.Timeframe
	Label     Label
	ADX       float64
	ATR       float64
	ATRPct    float64
	SMAShort  float64
	SMALong   float64
	SlopePct  float64
	Time      time.Time
	Degraded  bool // true when served from cache during a data outage
}

// Classify assigns a regime label by priority. The first matching rule
// wins:
//
//	1. SHOCK, or CRASH when the last bar also dropped 2 ATRs, on an
//	   ATR% spike at ShockFactor times its rolling mean
//	2. VOLATILE on weak ADX with ATR% above the high-vol cutoff
//	3. TREND on strong ADX, sufficient SMA slope, and adaptive
//	   separation of the short and long averages
//	4. RANGE on weak ADX with the averages inside the narrow band
//	5. NORMAL otherwise
func Classify(snap ta.Snapshot, p params.Params) Sample {
	s := Sample{
		Symbol:    snap.Symbol,
		Timeframe: snap.Timeframe,
		ADX:       snap.ADX,
		ATR:       snap.ATR,
		ATRPct:    snap.ATRPct,
		SMAShort:  snap.SMAShort,
		SMALong:   snap.SMALong,
		SlopePct:  snap.SlopePct,
		Time:      snap.Time,
	}
	s.Label = classify(snap, p)
	return s
}

func classify(snap ta.Snapshot, p params.Params) Label {
	// Volatility spike first: everything else is noise inside one.
	if snap.ATRPctMean30 > 0 && snap.ATRPct >= p.ShockFactor*snap.ATRPctMean30 {
		if snap.LastBarDrop >= 2*snap.ATR {
			return Crash
		}
		return Shock
	}

	if snap.ADX < p.ADXThreshold && snap.ATRPct > p.HighVolCutoff {
		return Volatile
	}

	// Separation of the averages as a percent of price, compared
	// against the volatility-adaptive floor.
	var sepPct float64
	if snap.HasSMALong && snap.Close != 0 {
		sepPct = math.Abs(snap.SMAShort-snap.SMALong) / snap.Close * 100
	}

	if snap.ADX >= p.ADXThreshold &&
		math.Abs(snap.SlopePct) >= p.SlopeMinPct &&
		snap.HasSMALong && sepPct >= 0.3*snap.ATRPct {
		return Trend
	}

	if snap.ADX < p.ADXThreshold && snap.HasSMALong && sepPct <= p.BandWidthPct {
		return Range
	}

	return Normal
}

// Calm reports whether the label allows normal signal generation.
// SHOCK and CRASH suspend new entries entirely.
func (l Label) Calm() bool {
	return l != Shock && l != Crash
}

// MaxHold returns how long a position opened in this regime may stay
// open before the time exit closes it.
func (l Label) MaxHold() time.Duration {
	switch l {
	case Trend:
		return 72 * time.Hour
	case Range:
		return 4 * time.Hour
	case Volatile:
		return 2 * time.Hour
	case Crash, Shock:
		return time.Hour
	}
	return 24 * time.Hour
}
