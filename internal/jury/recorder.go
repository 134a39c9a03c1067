package jury

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

// Recorder maintains the shadow ledger: VIRTUAL signals are filled at
// their own prices and resolved against later bars. Wins score the
// signal's reward-to-risk ratio in R; losses score -1.
type Recorder struct {
	db       *store.Store
	provider market.DataProvider
}

func NewRecorder(db *store.Store, provider market.DataProvider) *Recorder {
	return &Recorder{db: db, provider: provider}
}

// Record opens a shadow entry for a VIRTUAL signal.
func (r *Recorder) Record(ctx context.Context, s *signal.Signal) error {
	vt := &store.VirtualTrade{
		SignalID:   s.ID,
		Symbol:     s.Symbol,
		Strategy:   s.Strategy,
		Regime:     s.Regime,
		Direction:  s.Direction,
		Entry:      s.Entry,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Timeframe:  s.Timeframe,
		OpenedAt:   s.GeneratedAt,
	}
	if err := r.db.InsertVirtualTrade(ctx, vt); err != nil {
		return err
	}
	log.Debug().
		Str("signal", s.ID).
		Str("symbol", s.Symbol).
		Str("strategy", s.Strategy).
		Msg("Shadow trade opened")
	return nil
}

// Resolve sweeps open shadow entries once per cycle. A symbol whose
// bars cannot be fetched is skipped and retried next cycle.
func (r *Recorder) Resolve(ctx context.Context, now time.Time) (int, error) {
	open, err := r.db.OpenVirtualTrades(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, vt := range open {
		status, rMult, at, done := r.judge(ctx, vt, now)
		if !done {
			continue
		}
		if err := r.db.ResolveVirtualTrade(ctx, vt.ID, status, rMult, at); err != nil {
			return resolved, err
		}
		resolved++
		log.Debug().
			Str("symbol", vt.Symbol).
			Str("strategy", vt.Strategy).
			Str("status", status).
			Str("r", rMult.StringFixed(2)).
			Msg("Shadow trade resolved")
	}
	return resolved, nil
}

// judge replays bars after the open looking for a stop or target
// touch. When both sit inside one bar the stop wins, the conservative
// read. Entries past their regime's maximum hold settle at the last
// close.
func (r *Recorder) judge(ctx context.Context, vt *store.VirtualTrade, now time.Time) (string, decimal.Decimal, time.Time, bool) {
	risk := vt.Entry.Sub(vt.StopLoss).Abs()
	if risk.IsZero() {
		log.Warn().Str("signal", vt.SignalID).Msg("⚠️ Shadow trade has zero risk distance, discarding")
		return store.VirtualLoss, decimal.NewFromInt(-1), now, true
	}
	rr := vt.TakeProfit.Sub(vt.Entry).Abs().Div(risk)

	n := int(now.Sub(vt.OpenedAt)/vt.Timeframe.Duration()) + 2
	if n > 200 {
		n = 200
	}
	bars, err := r.provider.Bars(ctx, vt.Symbol, vt.Timeframe, n)
	if err != nil {
		log.Debug().Err(err).Str("symbol", vt.Symbol).Msg("Shadow resolution deferred, no bars")
		return "", decimal.Zero, time.Time{}, false
	}

	var lastClose decimal.Decimal
	var lastAt time.Time
	for _, bar := range bars {
		if !bar.OpenTime.After(vt.OpenedAt) {
			continue
		}
		lastClose = bar.Close
		lastAt = bar.CloseTime

		if vt.Direction == market.Buy {
			if bar.Low.LessThanOrEqual(vt.StopLoss) {
				return store.VirtualLoss, decimal.NewFromInt(-1), bar.CloseTime, true
			}
			if bar.High.GreaterThanOrEqual(vt.TakeProfit) {
				return store.VirtualWin, rr, bar.CloseTime, true
			}
			continue
		}
		if bar.High.GreaterThanOrEqual(vt.StopLoss) {
			return store.VirtualLoss, decimal.NewFromInt(-1), bar.CloseTime, true
		}
		if bar.Low.LessThanOrEqual(vt.TakeProfit) {
			return store.VirtualWin, rr, bar.CloseTime, true
		}
	}

	// Neither side touched: settle expired entries at the last close.
	if now.Sub(vt.OpenedAt) > vt.Regime.MaxHold() && !lastClose.IsZero() {
		move := lastClose.Sub(vt.Entry)
		if vt.Direction == market.Sell {
			move = move.Neg()
		}
		rMult := move.Div(risk)
		status := store.VirtualWin
		if rMult.LessThanOrEqual(decimal.Zero) {
			status = store.VirtualLoss
		}
		return status, rMult, lastAt, true
	}

	return "", decimal.Zero, time.Time{}, false
}
