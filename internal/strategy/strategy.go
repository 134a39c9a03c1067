// Package strategy defines the plug-in interface for entry strategies
// and the built-in strategy set. The pipeline treats strategies as
// opaque candidate generators; everything downstream of the factory is
// strategy-agnostic.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/ta"
)

// Input is everything a strategy may read for one (symbol, timeframe).
type Input struct {
	Symbol    string
	Timeframe market.Timeframe
	Bars      []market.Bar
	Snap      ta.Snapshot
	Regime    regime.Label
	Params    params.Params
}

// Candidate is a proposed trade before factory validation, scoring
// adjustments and persistence.
type Candidate struct {
	Symbol     string
	Direction  market.Direction
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Score      float64 // 0-100 before the confluence filter
	Reason     string
	Strategy   string
	Timeframe  market.Timeframe
}

// Validate checks structural soundness: prices present, stop and
// target on consistent sides of entry.
func (c *Candidate) Validate() error {
	if c.Symbol == "" || c.Strategy == "" {
		return fmt.Errorf("candidate missing symbol or strategy")
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("candidate direction %q invalid", c.Direction)
	}
	if c.Entry.IsZero() || c.StopLoss.IsZero() || c.TakeProfit.IsZero() {
		return fmt.Errorf("candidate has zero price levels")
	}
	switch c.Direction {
	case market.Buy:
		if !c.StopLoss.LessThan(c.Entry) || !c.TakeProfit.GreaterThan(c.Entry) {
			return fmt.Errorf("buy candidate needs sl < entry < tp")
		}
	case market.Sell:
		if !c.StopLoss.GreaterThan(c.Entry) || !c.TakeProfit.LessThan(c.Entry) {
			return fmt.Errorf("sell candidate needs tp < entry < sl")
		}
	}
	return nil
}

// RiskReward returns the reward-to-risk ratio of the levels.
func (c *Candidate) RiskReward() decimal.Decimal {
	risk := c.Entry.Sub(c.StopLoss).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return c.TakeProfit.Sub(c.Entry).Abs().Div(risk)
}

// Strategy is the plug-in interface. Generate returns zero or more
// candidates for the given input; it must not block past the context.
type Strategy interface {
	// Name is a stable identifier carried on every signal and trade.
	Name() string
	// ApplicableRegimes limits when the strategy runs.
	ApplicableRegimes() []regime.Label
	// Generate proposes trades for one (symbol, timeframe) snapshot.
	Generate(ctx context.Context, in Input) []Candidate
}

// Registry holds the strategy set in registration order.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a strategy. Duplicate names are rejected so trade
// attribution stays unambiguous.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.strategies {
		if existing.Name() == s.Name() {
			return fmt.Errorf("strategy %q already registered", s.Name())
		}
	}
	r.strategies = append(r.strategies, s)
	return nil
}

// ForRegime returns the strategies applicable to a regime, in
// registration order.
func (r *Registry) ForRegime(label regime.Label) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Strategy
	for _, s := range r.strategies {
		for _, rg := range s.ApplicableRegimes() {
			if rg == label {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// All returns every registered strategy.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}
