package signal

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL FACTORY - Candidates in, persisted PENDING signals out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per candidate: validate → normalize symbol → profile check → regime
// weighting → trifecta confluence → score floor → dedup → persist →
// notify. The factory is the only writer of new signal rows.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/strategy"
)

// RejectUnnormalizedSymbol and friends are the stable rejection reasons
// written on REJECTED signal rows.
const (
	RejectUnnormalizedSymbol = "UNNORMALIZED_SYMBOL"
	RejectNoAssetProfile     = "NO_ASSET_PROFILE"
)

// Store is the slice of persistence the factory needs.
type Store interface {
	InsertSignal(ctx context.Context, s *Signal) error
	HasRecentDuplicate(ctx context.Context, symbol string, dir market.Direction, strat string, tf market.Timeframe, since time.Time) (bool, error)
}

// Router decides REAL versus VIRTUAL for a freshly built signal.
type Router interface {
	Route(ctx context.Context, s *Signal) Mode
}

// IncoherenceReporter records pipeline incoherences observed at the
// factory boundary.
type IncoherenceReporter interface {
	ReportIncoherence(ctx context.Context, kind, symbol, strat, detail string)
}

// Factory runs strategies and persists the surviving candidates.
type Factory struct {
	strategies *strategy.Registry
	trifecta   *strategy.Trifecta
	profiles   *asset.Registry
	store      Store
	router     Router
	reporter   IncoherenceReporter
	notifier   notify.Notifier
}

// NewFactory wires the factory. Router and reporter may be nil; a nil
// router emits everything REAL.
func NewFactory(
	strategies *strategy.Registry,
	trifecta *strategy.Trifecta,
	profiles *asset.Registry,
	store Store,
	router Router,
	reporter IncoherenceReporter,
	notifier notify.Notifier,
) *Factory {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Factory{
		strategies: strategies,
		trifecta:   trifecta,
		profiles:   profiles,
		store:      store,
		router:     router,
		reporter:   reporter,
		notifier:   notifier,
	}
}

// recencyWindow is the dedup horizon per regime: trends move slowly,
// volatile tape turns over fast.
func recencyWindow(label regime.Label) time.Duration {
	switch label {
	case regime.Trend:
		return 30 * time.Minute
	case regime.Range:
		return 10 * time.Minute
	case regime.Volatile:
		return 5 * time.Minute
	}
	return 15 * time.Minute
}

// Process runs every applicable strategy for the input and persists
// the surviving signals. It returns what was persisted (including
// REJECTED audit rows).
func (f *Factory) Process(ctx context.Context, traceID string, in strategy.Input, higher *regime.Sample, now time.Time) []*Signal {
	if !in.Regime.Calm() {
		log.Debug().Str("symbol", in.Symbol).Str("regime", string(in.Regime)).Msg("Regime suspends signal generation")
		return nil
	}

	var out []*Signal
	for _, strat := range f.strategies.ForRegime(in.Regime) {
		for _, cand := range strat.Generate(ctx, in) {
			if sig := f.admit(ctx, traceID, cand, in, higher, now); sig != nil {
				out = append(out, sig)
			}
		}
	}
	return out
}

func (f *Factory) admit(ctx context.Context, traceID string, c strategy.Candidate, in strategy.Input, higher *regime.Sample, now time.Time) *Signal {
	if err := c.Validate(); err != nil {
		log.Debug().Err(err).Str("strategy", c.Strategy).Msg("Candidate failed validation")
		return nil
	}

	canonical := asset.Normalize(c.Symbol)
	if c.Symbol != canonical {
		sig := f.build(traceID, c, in, now)
		sig.Symbol = canonical
		sig.Status = StatusRejected
		sig.Reject = RejectUnnormalizedSymbol
		f.persistRejected(ctx, sig)
		if f.reporter != nil {
			f.reporter.ReportIncoherence(ctx, RejectUnnormalizedSymbol, c.Symbol, c.Strategy, "candidate symbol not canonical")
		}
		return sig
	}

	if !f.profiles.Has(canonical) {
		sig := f.build(traceID, c, in, now)
		sig.Status = StatusRejected
		sig.Reject = RejectNoAssetProfile
		f.persistRejected(ctx, sig)
		log.Warn().Str("symbol", canonical).Str("strategy", c.Strategy).Msg("⚠️ Signal for unprofiled symbol rejected")
		return sig
	}

	score := c.Score * in.Params.WeightFor(string(in.Regime))
	verdict := f.trifecta.Check(c, higher, now)
	if !verdict.Accepted {
		log.Debug().Str("symbol", canonical).Str("strategy", c.Strategy).Str("reason", verdict.Reason).Msg("Trifecta rejected candidate")
		return nil
	}
	score += verdict.Adjustment
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if score < in.Params.MinScore {
		log.Debug().Str("symbol", canonical).Float64("score", score).Float64("floor", in.Params.MinScore).Msg("Candidate under score floor")
		return nil
	}

	since := now.Add(-recencyWindow(in.Regime))
	dup, err := f.store.HasRecentDuplicate(ctx, canonical, c.Direction, c.Strategy, c.Timeframe, since)
	if err != nil {
		log.Error().Err(err).Str("symbol", canonical).Msg("Dedup lookup failed, dropping candidate")
		return nil
	}
	if dup {
		log.Debug().Str("symbol", canonical).Str("strategy", c.Strategy).Msg("Duplicate signal suppressed")
		return nil
	}

	sig := f.build(traceID, c, in, now)
	sig.Score = score
	sig.Mode = ModeReal
	if f.router != nil {
		sig.Mode = f.router.Route(ctx, sig)
	}

	if err := f.store.InsertSignal(ctx, sig); err != nil {
		log.Error().Err(err).Str("symbol", canonical).Msg("Signal persist failed")
		return nil
	}

	log.Info().
		Str("trace_id", traceID).
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Str("strategy", sig.Strategy).
		Str("mode", string(sig.Mode)).
		Float64("score", sig.Score).
		Msg("🎯 Signal emitted")
	f.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindSignalEmitted,
		TraceID: traceID,
		Symbol:  sig.Symbol,
		Message: "signal emitted",
		Fields: map[string]string{
			"strategy":  sig.Strategy,
			"direction": string(sig.Direction),
			"mode":      string(sig.Mode),
		},
	})
	return sig
}

func (f *Factory) build(traceID string, c strategy.Candidate, in strategy.Input, now time.Time) *Signal {
	return &Signal{
		ID:          uuid.NewString(),
		TraceID:     traceID,
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		Entry:       c.Entry,
		StopLoss:    c.StopLoss,
		TakeProfit:  c.TakeProfit,
		Strategy:    c.Strategy,
		Timeframe:   c.Timeframe,
		GeneratedAt: now,
		Score:       c.Score,
		Regime:      in.Regime,
		Status:      StatusPending,
	}
}

func (f *Factory) persistRejected(ctx context.Context, sig *Signal) {
	if err := f.store.InsertSignal(ctx, sig); err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Rejected-signal persist failed")
	}
}
