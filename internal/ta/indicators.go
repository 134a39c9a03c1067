package ta

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

func sliceToChan(xs []float64) chan float64 {
	ch := make(chan float64, len(xs))
	for _, x := range xs {
		ch <- x
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// SMA computes a simple moving average series. The result is shorter
// than the input; align from the end when pairing with prices.
func SMA(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return collect(sma.Compute(sliceToChan(values)))
}

// EMA computes an exponential moving average series.
func EMA(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return collect(ema.Compute(sliceToChan(values)))
}

// ATRSeries computes the Average True Range with the library default
// 14-bar smoothing. The series is shorter than the input; align from
// the end.
func ATRSeries(highs, lows, closes []float64) []float64 {
	if len(closes) < 15 {
		return nil
	}
	atr := volatility.NewAtr[float64]()
	return collect(atr.Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
}

// ADX computes the Average Directional Index. The indicator library
// does not ship ADX in v2, so the Wilder recurrence is implemented
// here directly.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period*2 || len(highs) != n || len(lows) != n {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1])))

		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx := smoothWilder(dx, period)
	return adx[n-1]
}

// smoothWilder applies Wilder's smoothing: seed with a simple average,
// then result[i] = (result[i-1]*(period-1) + data[i]) / period.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

// SlopePct measures the slope of a series over the last lookback
// samples, expressed as percent change per sample.
func SlopePct(series []float64, lookback int) float64 {
	n := len(series)
	if n < lookback+1 || lookback <= 0 {
		return 0
	}
	from := series[n-1-lookback]
	if from == 0 {
		return 0
	}
	return (series[n-1] - from) / from * 100 / float64(lookback)
}
