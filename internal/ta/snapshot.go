package ta

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT - One indicator read per (symbol, timeframe) per scanner cycle
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"fmt"
	"time"

	"github.com/ricaherr/aethelgard/internal/market"
)

const (
	adxPeriod    = 14
	smaShortLen  = 20
	smaLongLen   = 200
	slopeWindow  = 5
	atrMeanABars = 30

	// MinBars is the fewest bars Compute accepts: enough for a stable
	// ADX(14) plus the 30-sample ATR% baseline.
	MinBars = 64
)

// Snapshot carries every indicator the classifier and strategies read.
// Values are plain floats; price arithmetic downstream converts back to
// decimals at the boundary.
type Snapshot struct {
	Symbol    string
	Timeframe market.Timeframe

	Close        float64
	ADX          float64
	ATR          float64
	ATRPct       float64 // ATR / close, percent
	ATRPctMean30 float64 // baseline ATR% over the previous 30 samples
	SMAShort     float64 // SMA(20)
	SMALong      float64 // SMA(200), zero when history is too short
	HasSMALong   bool
	SlopePct     float64 // SMA(20) slope, percent per bar over 5 bars
	LastBarDrop  float64 // previous close minus last close, > 0 on a down bar

	Bars int
	Time time.Time
}

// Compute derives a snapshot from closed bars, oldest first. Bars must
// hold at least MinBars entries; SMA(200) is filled only when history
// allows and HasSMALong reports it.
func Compute(symbol string, tf market.Timeframe, bars []market.Bar) (Snapshot, error) {
	if len(bars) < MinBars {
		return Snapshot{}, fmt.Errorf("ta: %s %s needs %d bars, got %d", symbol, tf, MinBars, len(bars))
	}

	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}

	atrSeries := ATRSeries(highs, lows, closes)
	if len(atrSeries) < atrMeanABars+2 {
		return Snapshot{}, fmt.Errorf("ta: %s %s ATR series too short (%d)", symbol, tf, len(atrSeries))
	}

	snap := Snapshot{
		Symbol:    symbol,
		Timeframe: tf,
		Close:     closes[n-1],
		ADX:       ADX(highs, lows, closes, adxPeriod),
		ATR:       atrSeries[len(atrSeries)-1],
		Bars:      n,
		Time:      bars[n-1].CloseTime,
	}
	if snap.Close != 0 {
		snap.ATRPct = snap.ATR / snap.Close * 100
	}
	snap.LastBarDrop = closes[n-2] - closes[n-1]

	// Baseline ATR% over the 30 samples preceding the current one,
	// end-aligned against closes so the indicator's warmup offset does
	// not matter.
	var sum float64
	count := 0
	for i := 0; i < atrMeanABars; i++ {
		atrIdx := len(atrSeries) - 2 - i
		closeIdx := n - 2 - i
		if atrIdx < 0 || closeIdx < 0 || closes[closeIdx] == 0 {
			break
		}
		sum += atrSeries[atrIdx] / closes[closeIdx] * 100
		count++
	}
	if count > 0 {
		snap.ATRPctMean30 = sum / float64(count)
	}

	smaShort := SMA(closes, smaShortLen)
	if len(smaShort) > 0 {
		snap.SMAShort = smaShort[len(smaShort)-1]
		snap.SlopePct = SlopePct(smaShort, slopeWindow)
	}
	if n >= smaLongLen {
		if smaLong := SMA(closes, smaLongLen); len(smaLong) > 0 {
			snap.SMALong = smaLong[len(smaLong)-1]
			snap.HasSMALong = true
		}
	}

	return snap, nil
}
