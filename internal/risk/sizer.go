package risk

// ═══════════════════════════════════════════════════════════════════════════════
// UNIVERSAL POSITION SIZING - One authoritative implementation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: volume = (equity * risk_pct) / risk_per_lot
//
// risk_per_lot uses the broker-reported contract size and converts the
// quote currency into the account currency:
//
//   1. quote = account          → no conversion
//   2. base  = account          → divide by current price
//   3. index in account ccy     → no conversion
//   4. otherwise                → triangulate via QUOTE+ACCT (multiply)
//                                 or ACCT+QUOTE (divide)
//
// The volume is floor-rounded to the broker step so actual risk never
// exceeds target from rounding alone; a post-check still bounds the
// realized risk.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/signal"
)

// Sizing failures the executor turns into rejection reasons.
var (
	ErrBelowMinVolume    = errors.New("sized volume below broker minimum")
	ErrRiskOvershoot     = errors.New("realized risk exceeds tolerance")
	ErrNoConversionRoute = errors.New("no conversion route to account currency")
)

// MarketView is the slice of the connector the sizer reads. Every
// broker.Connector satisfies it.
type MarketView interface {
	SymbolInfo(ctx context.Context, symbol string) (broker.SymbolInfo, error)
	Tick(ctx context.Context, symbol string) (market.Tick, error)
	AccountInfo(ctx context.Context) (broker.AccountInfo, error)
}

// Sizing is the result of the authoritative calculation. RealizedRisk
// is what the floor-rounded volume actually puts at stake; it is the
// figure persisted as the position's initial risk.
type Sizing struct {
	Volume       decimal.Decimal // lots
	TargetRisk   decimal.Decimal // account currency
	RealizedRisk decimal.Decimal // account currency
	RiskPerLot   decimal.Decimal // account currency per 1.0 lot
	Rate         decimal.Decimal // quote -> account multiplier applied
}

// Sizer converts a signal's stop distance into a broker-valid volume.
// There is exactly one Sizer in the system; the executor and the
// position manager share it.
type Sizer struct {
	view      MarketView
	overshoot decimal.Decimal
}

func NewSizer(view MarketView, overshootTolerance float64) *Sizer {
	return &Sizer{
		view:      view,
		overshoot: decimal.NewFromFloat(overshootTolerance),
	}
}

var hundred = decimal.NewFromInt(100)

// PositionSize computes the volume for one signal at riskPct percent
// of current account equity.
func (s *Sizer) PositionSize(ctx context.Context, sig *signal.Signal, profile asset.Profile, riskPct float64) (Sizing, error) {
	account, err := s.view.AccountInfo(ctx)
	if err != nil {
		return Sizing{}, fmt.Errorf("account info: %w", err)
	}
	info, err := s.view.SymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return Sizing{}, fmt.Errorf("symbol info %s: %w", sig.Symbol, err)
	}

	stop := sig.RiskDistance()
	if stop.IsZero() {
		return Sizing{}, fmt.Errorf("signal %s has zero stop distance", sig.ID)
	}

	rate, err := s.conversionRate(ctx, profile, account.Currency)
	if err != nil {
		return Sizing{}, err
	}

	// Quote-currency risk for 1.0 lot, then into the account currency.
	riskPerLot := stop.Mul(info.ContractSize).Mul(rate)
	if riskPerLot.IsZero() {
		return Sizing{}, fmt.Errorf("%w: zero risk per lot for %s", ErrNoConversionRoute, sig.Symbol)
	}

	target := account.Equity.Mul(decimal.NewFromFloat(riskPct)).Div(hundred)
	raw := target.Div(riskPerLot)

	volume := raw
	if !info.VolumeStep.IsZero() {
		// Round before flooring so division precision cannot drop a
		// whole step at an exact-multiple boundary.
		steps := raw.Div(info.VolumeStep).Round(9).Floor()
		volume = steps.Mul(info.VolumeStep)
	}

	if volume.LessThan(info.MinVolume) {
		return Sizing{}, fmt.Errorf("%w: %s sized %s, minimum %s",
			ErrBelowMinVolume, sig.Symbol, volume.String(), info.MinVolume.String())
	}

	realized := volume.Mul(riskPerLot)
	if realized.GreaterThan(target.Mul(s.overshoot)) {
		return Sizing{}, fmt.Errorf("%w: realized %s vs target %s",
			ErrRiskOvershoot, realized.StringFixed(2), target.StringFixed(2))
	}

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("volume", volume.String()).
		Str("target_risk", target.StringFixed(2)).
		Str("realized_risk", realized.StringFixed(2)).
		Str("rate", rate.String()).
		Msg("📊 Position sized")

	return Sizing{
		Volume:       volume,
		TargetRisk:   target,
		RealizedRisk: realized,
		RiskPerLot:   riskPerLot,
		Rate:         rate,
	}, nil
}

// BreakevenPrice returns the entry shifted by the real round-trip
// cost: commission, swap, and the current spread, expressed as a price
// distance for this position's volume. The contract size comes from
// the broker, so the figure is correct for metals and indices, not
// just forex.
func (s *Sizer) BreakevenPrice(ctx context.Context, pos broker.Position, profile asset.Profile) (decimal.Decimal, error) {
	account, err := s.view.AccountInfo(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account info: %w", err)
	}
	info, err := s.view.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("symbol info %s: %w", pos.Symbol, err)
	}
	tick, err := s.view.Tick(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tick %s: %w", pos.Symbol, err)
	}

	rate, err := s.conversionRate(ctx, profile, account.Currency)
	if err != nil {
		return decimal.Zero, err
	}

	// Account currency per 1.0 of price movement at this volume.
	unitValue := info.ContractSize.Mul(pos.Volume).Mul(rate)
	if unitValue.IsZero() {
		return decimal.Zero, fmt.Errorf("zero unit value for %s", pos.Symbol)
	}

	costs := pos.Commission.Abs().Add(pos.Swap.Abs())
	distance := costs.Div(unitValue).Add(tick.Ask.Sub(tick.Bid))

	if pos.Direction == market.Buy {
		return pos.OpenPrice.Add(distance), nil
	}
	return pos.OpenPrice.Sub(distance), nil
}

// ValueAtRisk converts a stop distance at a given volume into account
// currency through the same conversion chain that sizes new orders.
// Orphan sync uses it to estimate the initial risk of adopted
// positions.
func (s *Sizer) ValueAtRisk(ctx context.Context, profile asset.Profile, stopDistance, volume decimal.Decimal) (decimal.Decimal, error) {
	account, err := s.view.AccountInfo(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account info: %w", err)
	}
	info, err := s.view.SymbolInfo(ctx, profile.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("symbol info %s: %w", profile.Symbol, err)
	}
	rate, err := s.conversionRate(ctx, profile, account.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	return stopDistance.Mul(info.ContractSize).Mul(rate).Mul(volume), nil
}

// conversionRate resolves the multiplier from the profile's quote
// currency into the account currency.
func (s *Sizer) conversionRate(ctx context.Context, profile asset.Profile, accountCurrency string) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)

	base, quote, ok := profile.BaseQuote()
	if !ok {
		if profile.Class == asset.ClassIndex {
			// Index contracts are quoted in the account currency.
			return one, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %s has no base/quote split", ErrNoConversionRoute, profile.Symbol)
	}

	if quote == accountCurrency {
		return one, nil
	}

	if base == accountCurrency {
		tick, err := s.view.Tick(ctx, profile.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("tick %s: %w", profile.Symbol, err)
		}
		price := tick.Mid()
		if price.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: zero price for %s", ErrNoConversionRoute, profile.Symbol)
		}
		return one.Div(price), nil
	}

	// Triangulate through a broker-quoted cross.
	if tick, err := s.view.Tick(ctx, quote+accountCurrency); err == nil {
		if p := tick.Mid(); !p.IsZero() {
			return p, nil
		}
	}
	if tick, err := s.view.Tick(ctx, accountCurrency+quote); err == nil {
		if p := tick.Mid(); !p.IsZero() {
			return one.Div(p), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no %s%s or %s%s quote",
		ErrNoConversionRoute, quote, accountCurrency, accountCurrency, quote)
}
