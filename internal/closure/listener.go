// Package closure is the feedback loop's front door: every broker
// close event lands here exactly once, updates the ledgers and the
// risk state, and on cadence hands the window to the tuner.
package closure

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSURE LISTENER - Trade results back into the system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per event: idempotence check by ticket → enrich from the supervised
// row → one serialized write (result, position close, risk state) with
// a bounded retry → notify → tuner on every Nth close, or immediately
// when the close tripped the lockdown.
//
// Delivery is at-least-once; the ticket makes redelivery harmless.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/retry"
	"github.com/ricaherr/aethelgard/internal/risk"
	"github.com/ricaherr/aethelgard/internal/store"
	"github.com/ricaherr/aethelgard/internal/tuner"
)

// Listener consumes close events from one connector.
type Listener struct {
	db       *store.Store
	riskMgr  *risk.Manager
	tuner    *tuner.Tuner
	notifier notify.Notifier
	policy   retry.Policy
	everyN   int
}

func NewListener(db *store.Store, riskMgr *risk.Manager, tun *tuner.Tuner, notifier notify.Notifier, cfg config.TunerConfig) *Listener {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	everyN := cfg.EveryNClosures
	if everyN < 1 {
		everyN = 1
	}
	return &Listener{
		db:       db,
		riskMgr:  riskMgr,
		tuner:    tun,
		notifier: notifier,
		policy:   retry.DefaultPolicy(),
		everyN:   everyN,
	}
}

// Run drains the event channel until the context ends or the channel
// closes. Per-event failures are logged, never fatal to the loop.
func (l *Listener) Run(ctx context.Context, events <-chan broker.ClosedTradeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.HandleTradeClosed(ctx, ev); err != nil {
				log.Warn().Err(err).
					Str("ticket", ev.Ticket).
					Str("symbol", ev.Symbol).
					Msg("⚠️ Close event not processed")
			}
		}
	}
}

// HandleTradeClosed ingests one close event. Safe to call again with
// the same ticket.
func (l *Listener) HandleTradeClosed(ctx context.Context, ev broker.ClosedTradeEvent) error {
	if ev.Ticket == "" {
		return fmt.Errorf("close event without ticket (%s)", ev.Symbol)
	}

	if done, err := l.db.HasTradeResult(ctx, ev.Ticket); err != nil {
		return fmt.Errorf("idempotence check %s: %w", ev.Ticket, err)
	} else if done {
		log.Debug().Str("ticket", ev.Ticket).Msg("Duplicate close delivery ignored")
		return nil
	}

	res := l.buildResult(ctx, ev)

	// The serialized transaction re-checks the ticket, so a concurrent
	// duplicate collapses to AlreadyRecorded.
	var out store.ClosureOutcome
	err := l.policy.Do(ctx, func(ctx context.Context) error {
		o, err := l.riskMgr.RecordTradeResult(ctx, res)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return fmt.Errorf("record closure %s: %w", ev.Ticket, err)
	}
	if out.AlreadyRecorded {
		log.Debug().Str("ticket", ev.Ticket).Msg("Closure already on the ledger")
		return nil
	}

	metrics.ClosuresTotal.WithLabelValues(strings.ToLower(string(ev.Result))).Inc()
	log.Info().
		Str("ticket", ev.Ticket).
		Str("symbol", res.Symbol).
		Str("result", res.Result).
		Str("pnl", res.PnL.StringFixed(2)).
		Str("reason", res.ExitReason).
		Msg("💾 Trade closure recorded")

	l.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindTradeClosed,
		Symbol:  res.Symbol,
		Message: fmt.Sprintf("%s %s %s (%s)", res.Symbol, res.Result, res.PnL.StringFixed(2), res.ExitReason),
		Fields: map[string]string{
			"ticket": res.Ticket,
			"result": res.Result,
			"pnl":    res.PnL.StringFixed(2),
		},
		At: time.Now().UTC(),
	})

	l.afterClosure(ctx, out)
	return nil
}

// buildResult merges the broker's economics with the supervised row's
// identity. An untracked ticket still gets a ledger entry; it just
// carries no strategy attribution.
func (l *Listener) buildResult(ctx context.Context, ev broker.ClosedTradeEvent) *store.TradeResult {
	res := &store.TradeResult{
		Ticket:     ev.Ticket,
		SignalID:   ev.SignalID,
		Symbol:     asset.Normalize(ev.Symbol),
		Direction:  ev.Direction,
		Volume:     ev.Volume,
		Entry:      ev.Entry,
		Exit:       ev.Exit,
		EntryTime:  ev.EntryTime,
		ExitTime:   ev.ExitTime,
		Pips:       ev.Pips,
		PnL:        ev.PnL,
		Result:     string(ev.Result),
		ExitReason: ev.ExitReason,
		BrokerID:   ev.BrokerID,
	}
	if res.ExitTime.IsZero() {
		res.ExitTime = time.Now().UTC()
	}

	row, err := l.db.GetPosition(ctx, ev.Ticket)
	if err != nil {
		return res
	}
	if res.SignalID == "" {
		res.SignalID = row.SignalID
	}
	res.Strategy = row.Strategy
	res.Regime = row.EntryRegime
	return res
}

// afterClosure drives the tuner: immediately on a lockdown transition,
// otherwise on every Nth ledger entry. Tuning failures never propagate
// into the closure path.
func (l *Listener) afterClosure(ctx context.Context, out store.ClosureOutcome) {
	if out.LockdownEngaged {
		l.notifier.Notify(ctx, notify.Event{
			Kind: notify.KindLockdown,
			Message: fmt.Sprintf("lockdown engaged after %d consecutive losses",
				out.Risk.ConsecutiveLosses),
			Fields: map[string]string{
				"consecutive_losses": fmt.Sprintf("%d", out.Risk.ConsecutiveLosses),
				"equity":             out.Risk.Equity.StringFixed(2),
			},
			At: time.Now().UTC(),
		})
		if _, err := l.tuner.Run(ctx, tuner.TriggerLockdown); err != nil {
			log.Warn().Err(err).Msg("⚠️ Post-lockdown tuning failed")
		}
		return
	}

	total, err := l.db.CountTradeResultsSince(ctx, time.Time{})
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Closure count unavailable, tuner cadence skipped")
		return
	}
	if total%int64(l.everyN) == 0 {
		if _, err := l.tuner.Run(ctx, tuner.TriggerCadence); err != nil {
			log.Warn().Err(err).Msg("⚠️ Cadence tuning failed")
		}
	}
}
