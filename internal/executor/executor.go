// Package executor converts risk-approved signals into broker orders
// and owns the pre-acknowledgement persistence trail.
package executor

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Last gate before the broker
// ═══════════════════════════════════════════════════════════════════════════════
//
// Guards run in a fixed order; the first failure rejects the signal
// with that reason:
//   1. Payload sanity
//   2. No live duplicate on (symbol, direction), broker view
//   3. Lockdown inactive
//   4. Concentration across timeframes
//   5. Risk manager approval
//   6. Authoritative sizing over the broker minimum
//   7. Symbol visible in the tradable set
//
// Flow after the guards: live tick → metadata persisted OPENING →
// ExecuteOrder → ticket back-write, signal EXECUTED. A crash between
// persist and acknowledgement leaves an OPENING row for the stale
// sweep and orphan sync to reconcile.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/risk"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

// Rejection reasons owned by the executor; the risk package supplies
// the rest of the veto vocabulary.
const (
	ReasonInvalidPayload    = "INVALID_PAYLOAD"
	ReasonBrokerDuplicate   = "BROKER_DUPLICATE"
	ReasonNoAssetProfile    = "NO_ASSET_PROFILE"
	ReasonBelowMinVolume    = "BELOW_MIN_VOLUME"
	ReasonRiskOvershoot     = "RISK_OVERSHOOT"
	ReasonNoConversionRoute = "NO_CONVERSION_ROUTE"
	ReasonBrokerRejected    = "BROKER_REJECTED"
)

// Executor owns the signal-to-order hand-off for one connector.
type Executor struct {
	db       *store.Store
	conn     broker.Connector
	riskMgr  *risk.Manager
	sizer    *risk.Sizer
	profiles *asset.Registry
	notifier notify.Notifier
	cfg      config.RiskConfig
}

func New(db *store.Store, conn broker.Connector, riskMgr *risk.Manager, sizer *risk.Sizer, profiles *asset.Registry, notifier notify.Notifier, cfg config.RiskConfig) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		db:       db,
		conn:     conn,
		riskMgr:  riskMgr,
		sizer:    sizer,
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Execute runs the guard chain for one PENDING REAL signal and hands
// the order to the broker. A nil position with nil error means the
// signal was vetoed and the rejection persisted; a non-nil error is a
// transient fault and the signal stays PENDING for the next cycle.
func (e *Executor) Execute(ctx context.Context, sig *signal.Signal, riskPct float64) (*store.Position, error) {
	if sig.Mode != signal.ModeReal {
		return nil, fmt.Errorf("signal %s is %s, executor only takes REAL", sig.ID, sig.Mode)
	}

	// A metadata row means a previous attempt already got past the
	// guards. OPENING and OPEN rows are reconciled elsewhere, never
	// re-sent.
	if meta, err := e.db.GetPositionMetadata(ctx, sig.ID); err == nil && meta.Status != store.MetadataFailed {
		log.Warn().
			Str("signal", sig.ID).
			Str("status", meta.Status).
			Msg("⚠️ Execution already in flight, skipping")
		return nil, nil
	}

	// Guard 1: payload sanity.
	if detail := invalidPayload(sig); detail != "" {
		return nil, e.reject(ctx, sig, ReasonInvalidPayload, detail)
	}

	// Guard 2: the broker's live book is the duplicate authority, not
	// the local rows.
	live, err := e.conn.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("live positions: %w", err)
	}
	for _, pos := range live {
		if asset.Normalize(pos.Symbol) == sig.Symbol && pos.Direction == sig.Direction {
			return nil, e.reject(ctx, sig, ReasonBrokerDuplicate,
				fmt.Sprintf("ticket %s already %s %s", pos.Ticket, pos.Direction, sig.Symbol))
		}
	}

	// Guard 3: lockdown.
	rs, err := e.riskMgr.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk state: %w", err)
	}
	if rs.Lockdown {
		return nil, e.reject(ctx, sig, risk.ReasonLockdown, "")
	}

	// Guard 4: concentration across timeframes.
	open, err := e.db.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	onSymbol := 0
	for _, pos := range open {
		if pos.Symbol == sig.Symbol {
			onSymbol++
		}
	}
	if onSymbol >= e.cfg.MaxPerSymbol {
		return nil, e.reject(ctx, sig, risk.ReasonConcentration,
			fmt.Sprintf("%d already open on %s", onSymbol, sig.Symbol))
	}

	// Guard 5: the risk manager's veto chain.
	approval, err := e.riskMgr.CanTakeNewTrade(ctx, sig, open, riskPct)
	if err != nil {
		return nil, fmt.Errorf("risk approval: %w", err)
	}
	if !approval.Approved {
		return nil, e.reject(ctx, sig, approval.Reason, "")
	}

	// Guard 6: sized by the one authoritative sizer, over the broker
	// minimum.
	profile, err := e.profiles.Get(sig.Symbol)
	if err != nil {
		return nil, e.reject(ctx, sig, ReasonNoAssetProfile, sig.Symbol)
	}
	sizing, err := e.sizer.PositionSize(ctx, sig, *profile, riskPct)
	switch {
	case errors.Is(err, risk.ErrBelowMinVolume):
		return nil, e.reject(ctx, sig, ReasonBelowMinVolume, err.Error())
	case errors.Is(err, risk.ErrRiskOvershoot):
		return nil, e.reject(ctx, sig, ReasonRiskOvershoot, err.Error())
	case errors.Is(err, risk.ErrNoConversionRoute):
		return nil, e.reject(ctx, sig, ReasonNoConversionRoute, err.Error())
	case err != nil:
		return nil, fmt.Errorf("sizing: %w", err)
	}

	// Guard 7: the symbol must sit in the broker's tradable set before
	// the live tick is fetched.
	info, err := e.conn.SymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", sig.Symbol, err)
	}
	if !info.Visible {
		if err := e.conn.EnsureVisible(ctx, sig.Symbol); err != nil {
			return nil, fmt.Errorf("enable %s: %w", sig.Symbol, err)
		}
		log.Debug().Str("symbol", sig.Symbol).Msg("Symbol enabled at broker")
	}

	tick, err := e.conn.Tick(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("live tick %s: %w", sig.Symbol, err)
	}
	entry := tick.Ask
	if sig.Direction == market.Sell {
		entry = tick.Bid
	}

	// Metadata goes down before the broker call so a crash between here
	// and the acknowledgement leaves a recoverable trail.
	meta := &store.PositionMetadata{
		SignalID:    sig.ID,
		TraceID:     sig.TraceID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Volume:      sizing.Volume,
		Entry:       entry,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
		InitialRisk: sizing.RealizedRisk,
		EntryRegime: sig.Regime,
		Strategy:    sig.Strategy,
	}
	if err := e.db.SavePositionMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}

	res, err := e.conn.ExecuteOrder(ctx, broker.OrderRequest{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     sizing.Volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Comment:    fmt.Sprintf("AG:%.8s", sig.ID),
	})
	if errors.Is(err, broker.ErrOrderRejected) {
		metrics.OrdersTotal.WithLabelValues("rejected").Inc()
		log.Error().Err(err).
			Str("signal", sig.ID).
			Str("symbol", sig.Symbol).
			Msg("❌ Broker rejected order")
		if ferr := e.db.FailExecution(ctx, sig.ID, ReasonBrokerRejected); ferr != nil {
			return nil, fmt.Errorf("fail execution: %w", ferr)
		}
		return nil, nil
	}
	if err != nil {
		// The order may or may not have reached the broker. The OPENING
		// row stays for the stale sweep and orphan sync to settle.
		metrics.OrdersTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("execute order: %w", err)
	}

	now := time.Now().UTC()
	pos := &store.Position{
		Ticket:      res.Ticket,
		TraceID:     sig.TraceID,
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Volume:      sizing.Volume,
		EntryPrice:  res.Price,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
		OpenTime:    now,
		Timeframe:   sig.Timeframe,
		EntryRegime: sig.Regime,
		InitialRisk: sizing.RealizedRisk,
		Strategy:    sig.Strategy,
	}
	if err := e.db.CompleteExecution(ctx, sig.ID, res.Ticket, pos); err != nil {
		return nil, fmt.Errorf("complete execution: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues("filled").Inc()
	log.Info().
		Str("trace_id", sig.TraceID).
		Str("signal", sig.ID).
		Str("ticket", res.Ticket).
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Str("volume", sizing.Volume.String()).
		Str("fill", res.Price.String()).
		Str("risk", sizing.RealizedRisk.StringFixed(2)).
		Msg("🚀 Order executed")
	e.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindTradeExecuted,
		TraceID: sig.TraceID,
		Symbol:  sig.Symbol,
		Message: "order executed",
		Fields: map[string]string{
			"ticket":    res.Ticket,
			"direction": string(sig.Direction),
			"volume":    sizing.Volume.String(),
			"strategy":  sig.Strategy,
		},
		At: now,
	})
	return pos, nil
}

// reject persists the veto on the signal row and counts the attempt.
func (e *Executor) reject(ctx context.Context, sig *signal.Signal, reason, detail string) error {
	metrics.OrdersTotal.WithLabelValues("vetoed").Inc()
	ev := log.Warn().
		Str("signal", sig.ID).
		Str("symbol", sig.Symbol).
		Str("reason", reason)
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Msg("🚫 Execution vetoed")
	return e.db.MarkSignalRejected(ctx, sig.ID, reason)
}

// invalidPayload reports what is wrong with the signal prices, empty
// when the payload is sane.
func invalidPayload(sig *signal.Signal) string {
	if sig.Symbol == "" || sig.Strategy == "" {
		return "missing symbol or strategy"
	}
	if !sig.Entry.IsPositive() || !sig.StopLoss.IsPositive() || !sig.TakeProfit.IsPositive() {
		return "non-positive price"
	}
	if sig.RiskDistance().IsZero() {
		return "stop equals entry"
	}
	switch sig.Direction {
	case market.Buy:
		if sig.StopLoss.GreaterThanOrEqual(sig.Entry) {
			return "buy stop above entry"
		}
		if sig.TakeProfit.LessThanOrEqual(sig.Entry) {
			return "buy target below entry"
		}
	case market.Sell:
		if sig.StopLoss.LessThanOrEqual(sig.Entry) {
			return "sell stop below entry"
		}
		if sig.TakeProfit.GreaterThanOrEqual(sig.Entry) {
			return "sell target above entry"
		}
	default:
		return "unknown direction"
	}
	return ""
}
