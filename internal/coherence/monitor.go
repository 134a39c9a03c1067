package coherence

// ═══════════════════════════════════════════════════════════════════════════════
// COHERENCE MONITOR - Per-cycle cross-checks over persisted state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs once per scanner cycle. Four sweeps:
//   1. EXECUTED signals missing a broker ticket
//   2. PENDING signals past their timeframe timeout (marked EXPIRED)
//   3. Symbols persisted in non-canonical spelling
//   4. Store activity from modules whose toggle says disabled
//
// Faults repeat-report only when the underlying row changes; a seen
// set suppresses per-cycle noise for conditions that persist.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/signal"
)

// ticketGrace is how long an EXECUTED signal may sit without a ticket
// before it counts as incoherent; covers the executor's back-write
// window.
const ticketGrace = time.Minute

// Store is the slice of persistence the monitor reads and writes.
type Store interface {
	RecordCoherenceEvent(ctx context.Context, ev *Event) error
	ExecutedSignalsWithoutTicket(ctx context.Context, executedBefore time.Time) ([]*signal.Signal, error)
	PendingSignals(ctx context.Context) ([]*signal.Signal, error)
	ExpireSignal(ctx context.Context, id string) error
	DistinctSignalSymbolsSince(ctx context.Context, since time.Time) ([]string, error)
	DisabledModules(ctx context.Context) (map[string]time.Time, error)
	ModuleActivitySince(ctx context.Context, module string, since time.Time) (int64, error)
}

// Monitor performs the cross-checks and doubles as the factory's
// incoherence reporter.
type Monitor struct {
	store    Store
	notifier notify.Notifier

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMonitor(store Store, notifier notify.Notifier) *Monitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Monitor{
		store:    store,
		notifier: notifier,
		seen:     make(map[string]struct{}),
	}
}

// ReportIncoherence records a fault observed inline by another stage.
// The kind arrives as a string so callers need not import this package.
func (m *Monitor) ReportIncoherence(ctx context.Context, kind, symbol, strat, detail string) {
	m.emit(ctx, &Event{
		Kind:       Kind(kind),
		Symbol:     symbol,
		Strategy:   strat,
		Detail:     detail,
		ObservedAt: time.Now().UTC(),
	})
}

// Sweep runs all cross-checks once. It returns the number of events
// emitted this pass.
func (m *Monitor) Sweep(ctx context.Context, traceID string, now time.Time) int {
	emitted := 0
	emitted += m.sweepMissingTickets(ctx, traceID, now)
	emitted += m.sweepPendingTimeouts(ctx, traceID, now)
	emitted += m.sweepSymbolForms(ctx, traceID, now)
	emitted += m.sweepModuleToggles(ctx, traceID, now)
	return emitted
}

func (m *Monitor) sweepMissingTickets(ctx context.Context, traceID string, now time.Time) int {
	sigs, err := m.store.ExecutedSignalsWithoutTicket(ctx, now.Add(-ticketGrace))
	if err != nil {
		log.Error().Err(err).Msg("Ticket cross-check query failed")
		return 0
	}
	n := 0
	for _, s := range sigs {
		if !m.once("ticket:" + s.ID) {
			continue
		}
		m.emit(ctx, &Event{
			TraceID:    traceID,
			Symbol:     s.Symbol,
			Strategy:   s.Strategy,
			Kind:       KindExecutedWithoutTicket,
			Detail:     fmt.Sprintf("signal %s executed %s ago with no ticket", s.ID, now.Sub(s.GeneratedAt).Round(time.Second)),
			ObservedAt: now,
		})
		n++
	}
	return n
}

func (m *Monitor) sweepPendingTimeouts(ctx context.Context, traceID string, now time.Time) int {
	sigs, err := m.store.PendingSignals(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Pending cross-check query failed")
		return 0
	}
	n := 0
	for _, s := range sigs {
		if !s.Stale(now) {
			continue
		}
		if err := m.store.ExpireSignal(ctx, s.ID); err != nil {
			log.Error().Err(err).Str("signal_id", s.ID).Msg("Signal expiry write failed")
			continue
		}
		m.emit(ctx, &Event{
			TraceID:    traceID,
			Symbol:     s.Symbol,
			Strategy:   s.Strategy,
			Kind:       KindPendingTimeout,
			Detail:     fmt.Sprintf("pending %s past %s timeout, expired", now.Sub(s.GeneratedAt).Round(time.Second), s.Timeframe),
			ObservedAt: now,
		})
		n++
	}
	return n
}

func (m *Monitor) sweepSymbolForms(ctx context.Context, traceID string, now time.Time) int {
	symbols, err := m.store.DistinctSignalSymbolsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Symbol-form cross-check query failed")
		return 0
	}
	n := 0
	for _, sym := range symbols {
		if asset.IsCanonical(sym) {
			continue
		}
		if !m.once("symbol:" + sym) {
			continue
		}
		m.emit(ctx, &Event{
			TraceID:    traceID,
			Symbol:     sym,
			Kind:       KindUnnormalizedSymbol,
			Detail:     fmt.Sprintf("persisted symbol %q is not canonical (want %q)", sym, asset.Normalize(sym)),
			ObservedAt: now,
		})
		n++
	}
	return n
}

func (m *Monitor) sweepModuleToggles(ctx context.Context, traceID string, now time.Time) int {
	disabled, err := m.store.DisabledModules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Toggle cross-check query failed")
		return 0
	}
	n := 0
	for module, since := range disabled {
		count, err := m.store.ModuleActivitySince(ctx, module, since)
		if err != nil {
			log.Error().Err(err).Str("module", module).Msg("Toggle activity query failed")
			continue
		}
		if count == 0 {
			continue
		}
		if !m.once(fmt.Sprintf("toggle:%s:%d", module, since.Unix())) {
			continue
		}
		m.emit(ctx, &Event{
			TraceID:    traceID,
			Kind:       KindModuleMismatch,
			Detail:     fmt.Sprintf("module %s disabled since %s but produced %d rows", module, since.Format(time.RFC3339), count),
			ObservedAt: now,
		})
		n++
	}
	return n
}

// once returns true the first time a key is observed.
func (m *Monitor) once(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false
	}
	m.seen[key] = struct{}{}
	return true
}

func (m *Monitor) emit(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := m.store.RecordCoherenceEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Coherence event persist failed")
	}
	metrics.CoherenceEvents.WithLabelValues(string(ev.Kind)).Inc()
	log.Warn().
		Str("kind", string(ev.Kind)).
		Str("symbol", ev.Symbol).
		Str("detail", ev.Detail).
		Msg("⚠️ Coherence fault")
	m.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindCoherenceFault,
		TraceID: ev.TraceID,
		Symbol:  ev.Symbol,
		Message: ev.Detail,
		Fields:  map[string]string{"kind": string(ev.Kind)},
	})
}
