// Package params holds the tunable parameter set shared by the
// classifier, strategies, risk and position supervision. One versioned
// snapshot is loaded per scanner cycle; the tuner writes new versions
// through persistence. Keeping the struct in a leaf package avoids
// import cycles between the consumers.
package params

// Params is one version of the tunable parameter set. Regime-keyed maps
// use the regime label string to keep this package dependency-free.
type Params struct {
	Version int

	// Classifier thresholds.
	ADXThreshold  float64 // TREND on or above, RANGE candidates below
	HighVolCutoff float64 // ATR% above this with weak ADX reads VOLATILE
	SlopeMinPct   float64 // min |SMA20 slope| percent per bar for TREND
	BandWidthPct  float64 // max SMA separation percent for RANGE
	ShockFactor   float64 // ATR% vs its rolling mean for SHOCK/CRASH

	// Signal gate.
	MinScore      float64
	RegimeWeights map[string]float64 // score multiplier per regime label

	// Risk and supervision.
	PerTradeRiskPct  float64
	ATRMultiplier    float64            // stop distance multiplier for strategies
	TrailingMult     map[string]float64 // trailing stop ATR multiplier per regime
	BreakevenATRMult float64            // profit in ATRs required before breakeven
}

// Defaults returns the version-1 parameter set seeded at first startup.
func Defaults() Params {
	return Params{
		Version:       1,
		ADXThreshold:  23,
		HighVolCutoff: 1.8,
		SlopeMinPct:   0.005,
		BandWidthPct:  0.25,
		ShockFactor:   3.0,
		MinScore:      60,
		RegimeWeights: map[string]float64{
			"TREND":    1.0,
			"RANGE":    0.9,
			"VOLATILE": 0.7,
			"NORMAL":   0.8,
		},
		PerTradeRiskPct: 1.5,
		ATRMultiplier:   2.0,
		TrailingMult: map[string]float64{
			"TREND":    3.0,
			"RANGE":    2.0,
			"VOLATILE": 1.5,
			"CRASH":    1.5,
		},
		BreakevenATRMult: 1.0,
	}
}

// TrailingFor returns the trailing multiplier for a regime label,
// falling back to the RANGE multiplier for labels without an entry.
func (p Params) TrailingFor(label string) float64 {
	if m, ok := p.TrailingMult[label]; ok {
		return m
	}
	return p.TrailingMult["RANGE"]
}

// WeightFor returns the score weight for a regime label, defaulting
// to 1.0 when unset.
func (p Params) WeightFor(label string) float64 {
	if w, ok := p.RegimeWeights[label]; ok {
		return w
	}
	return 1.0
}
