// Package control is the inbound facade the external UI layer talks
// to. Reads are snapshots assembled from the store, the regime cache
// and the live broker book; writes are the small bounded set an
// operator may perform: module toggles, clamped parameter moves,
// manual execute or cancel of a pending signal, and lockdown reset.
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/coherence"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/executor"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

// RejectOperatorCancel is the rejection reason written on manually
// cancelled signals.
const RejectOperatorCancel = "OPERATOR_CANCEL"

// ScannerView is the slice of the scanner the facade reports on.
type ScannerView interface {
	StaleSymbols() []string
	HeartbeatAge(now time.Time) time.Duration
	HealthFault(now time.Time) bool
}

// Surface is the control facade. Conn, Exec and Scanner may be nil;
// the dependent reads then degrade (no live R-multiples, no feed
// health) and manual execution is refused.
type Surface struct {
	db       *store.Store
	conn     broker.Connector
	exec     *executor.Executor
	regimes  *regime.Cache
	scanner  ScannerView
	notifier notify.Notifier
	bounds   config.TunerConfig
}

func New(db *store.Store, conn broker.Connector, exec *executor.Executor, regimes *regime.Cache, scanner ScannerView, notifier notify.Notifier, bounds config.TunerConfig) *Surface {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Surface{
		db:       db,
		conn:     conn,
		exec:     exec,
		regimes:  regimes,
		scanner:  scanner,
		notifier: notifier,
		bounds:   bounds,
	}
}

// RiskStatus returns the capital-preservation state.
func (s *Surface) RiskStatus(ctx context.Context) (*store.RiskState, error) {
	return s.db.GetRiskState(ctx)
}

// RegimeStatus pairs a cached classification with its feed health.
type RegimeStatus struct {
	regime.Sample
	Stale bool
}

// Regimes returns the cached classification per (symbol, timeframe),
// sorted for stable display.
func (s *Surface) Regimes() []RegimeStatus {
	stale := make(map[string]bool)
	if s.scanner != nil {
		for _, symbol := range s.scanner.StaleSymbols() {
			stale[symbol] = true
		}
	}

	samples := s.regimes.Snapshot()
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Symbol != samples[j].Symbol {
			return samples[i].Symbol < samples[j].Symbol
		}
		return samples[i].Timeframe < samples[j].Timeframe
	})

	out := make([]RegimeStatus, 0, len(samples))
	for _, sample := range samples {
		out = append(out, RegimeStatus{Sample: sample, Stale: stale[sample.Symbol]})
	}
	return out
}

// PositionStatus is one supervised position with its live R-multiple.
// Live is false when the broker book has no matching ticket; the
// coherence monitor owns flagging that mismatch.
type PositionStatus struct {
	*store.Position
	Profit    decimal.Decimal
	RMultiple decimal.Decimal
	Live      bool
}

// Positions returns the open rows joined with the broker's live book.
func (s *Surface) Positions(ctx context.Context) ([]PositionStatus, error) {
	rows, err := s.db.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]broker.Position)
	if s.conn != nil {
		book, err := s.conn.OpenPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Broker book unavailable, R-multiples omitted")
		} else {
			for _, p := range book {
				live[p.Ticket] = p
			}
		}
	}

	out := make([]PositionStatus, 0, len(rows))
	for _, row := range rows {
		st := PositionStatus{Position: row}
		if lp, ok := live[row.Ticket]; ok {
			st.Live = true
			st.Profit = lp.Profit
			if row.InitialRisk.IsPositive() {
				st.RMultiple = lp.Profit.Div(row.InitialRisk).Round(2)
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// RecentSignals returns the newest signals, all statuses included.
func (s *Surface) RecentSignals(ctx context.Context, limit int) ([]*signal.Signal, error) {
	return s.db.RecentSignals(ctx, limit)
}

// CoherenceEvents returns the newest cross-check findings.
func (s *Surface) CoherenceEvents(ctx context.Context, limit int) ([]*coherence.Event, error) {
	return s.db.RecentCoherenceEvents(ctx, limit)
}

// TuningLog returns the newest tuner runs.
func (s *Surface) TuningLog(ctx context.Context, limit int) ([]*store.TuningLog, error) {
	return s.db.TuningLogEntries(ctx, limit)
}

// Modules returns every module toggle.
func (s *Surface) Modules(ctx context.Context) ([]*store.ModuleToggle, error) {
	return s.db.ModuleToggles(ctx)
}

// Health is the liveness snapshot for the ops surface.
type Health struct {
	HeartbeatAge time.Duration
	Fault        bool
	StaleSymbols []string
}

// Health reports scanner liveness and per-symbol feed state.
func (s *Surface) Health(now time.Time) Health {
	if s.scanner == nil {
		return Health{}
	}
	stale := s.scanner.StaleSymbols()
	sort.Strings(stale)
	return Health{
		HeartbeatAge: s.scanner.HeartbeatAge(now),
		Fault:        s.scanner.HealthFault(now),
		StaleSymbols: stale,
	}
}

// SetModule flips one pipeline module toggle.
func (s *Surface) SetModule(ctx context.Context, module string, enabled bool) error {
	if !knownModule(module) {
		return fmt.Errorf("unknown module %q, valid: %s", module, strings.Join(store.AllModules, ", "))
	}
	if err := s.db.SetModuleEnabled(ctx, module, enabled); err != nil {
		return err
	}
	log.Info().Str("module", module).Bool("enabled", enabled).Msg("🔧 Module toggled by operator")
	return nil
}

func knownModule(module string) bool {
	for _, m := range store.AllModules {
		if m == module {
			return true
		}
	}
	return false
}

// ParamPatch is the bounded lever subset an operator may move; nil
// fields stay untouched. The tuner's bounds clamp every move.
type ParamPatch struct {
	MinScore        *float64
	ADXThreshold    *float64
	PerTradeRiskPct *float64
	ATRMultiplier   *float64
}

func (pp ParamPatch) empty() bool {
	return pp.MinScore == nil && pp.ADXThreshold == nil &&
		pp.PerTradeRiskPct == nil && pp.ATRMultiplier == nil
}

// UpdateParams applies an operator patch and writes a new version.
func (s *Surface) UpdateParams(ctx context.Context, patch ParamPatch) (params.Params, error) {
	if patch.empty() {
		return params.Params{}, fmt.Errorf("empty parameter patch")
	}
	p, err := s.db.CurrentParams(ctx)
	if err != nil {
		return params.Params{}, fmt.Errorf("load params: %w", err)
	}

	var moved []string
	if patch.MinScore != nil {
		p.MinScore = clamp(*patch.MinScore, s.bounds.MinScoreFloor, s.bounds.MinScoreCeil)
		moved = append(moved, fmt.Sprintf("min_score=%.1f", p.MinScore))
	}
	if patch.ADXThreshold != nil {
		p.ADXThreshold = clamp(*patch.ADXThreshold, s.bounds.ADXMin, s.bounds.ADXMax)
		moved = append(moved, fmt.Sprintf("adx_threshold=%.1f", p.ADXThreshold))
	}
	if patch.PerTradeRiskPct != nil {
		p.PerTradeRiskPct = clamp(*patch.PerTradeRiskPct, s.bounds.RiskPctMin, s.bounds.RiskPctMax)
		moved = append(moved, fmt.Sprintf("per_trade_risk_pct=%.2f", p.PerTradeRiskPct))
	}
	if patch.ATRMultiplier != nil {
		p.ATRMultiplier = clamp(*patch.ATRMultiplier, s.bounds.ATRMultMin, s.bounds.ATRMultMax)
		moved = append(moved, fmt.Sprintf("atr_multiplier=%.2f", p.ATRMultiplier))
	}

	out, err := s.db.SaveParams(ctx, p, "operator", strings.Join(moved, " "))
	if err != nil {
		return params.Params{}, err
	}
	log.Info().
		Int("version", out.Version).
		Str("changes", strings.Join(moved, " ")).
		Msg("🔧 Parameters updated by operator")
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ExecuteSignal force-runs one PENDING REAL signal through the guard
// chain now instead of waiting for the next cycle. Stale signals are
// refused; their prices no longer mean anything.
func (s *Surface) ExecuteSignal(ctx context.Context, id string) (*store.Position, error) {
	if s.exec == nil {
		return nil, fmt.Errorf("executor unavailable")
	}
	sig, err := s.db.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	if sig.Status != signal.StatusPending {
		return nil, fmt.Errorf("signal %s is %s, only PENDING signals execute", id, sig.Status)
	}
	if sig.Mode != signal.ModeReal {
		return nil, fmt.Errorf("signal %s is %s, shadow signals resolve on the ledger", id, sig.Mode)
	}
	now := time.Now().UTC()
	if sig.Stale(now) {
		return nil, fmt.Errorf("signal %s is stale, %s old on %s", id, sig.Age(now).Round(time.Second), sig.Timeframe)
	}

	p, err := s.db.CurrentParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	pos, err := s.exec.Execute(ctx, sig, p.PerTradeRiskPct)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		if meta, merr := s.db.GetPositionMetadata(ctx, id); merr == nil && meta.Status != store.MetadataFailed {
			return nil, fmt.Errorf("execution already in flight, metadata %s", meta.Status)
		}
		fresh, rerr := s.db.GetSignal(ctx, id)
		if rerr == nil && fresh.Reject != "" {
			return nil, fmt.Errorf("signal vetoed: %s", fresh.Reject)
		}
		return nil, fmt.Errorf("signal vetoed")
	}
	log.Info().Str("signal", id).Str("ticket", pos.Ticket).Msg("🚀 Signal executed by operator")
	return pos, nil
}

// CancelSignal rejects a PENDING signal so no later cycle retries it.
func (s *Surface) CancelSignal(ctx context.Context, id string) error {
	sig, err := s.db.GetSignal(ctx, id)
	if err != nil {
		return err
	}
	if sig.Status != signal.StatusPending {
		return fmt.Errorf("signal %s is %s, only PENDING signals cancel", id, sig.Status)
	}
	if err := s.db.MarkSignalRejected(ctx, id, RejectOperatorCancel); err != nil {
		return err
	}
	log.Info().Str("signal", id).Str("symbol", sig.Symbol).Msg("🚫 Signal cancelled by operator")
	return nil
}

// ResetLockdown lifts the capital-preservation lockdown and clears the
// loss streak. No-op when the system is not locked.
func (s *Surface) ResetLockdown(ctx context.Context) error {
	rs, err := s.db.GetRiskState(ctx)
	if err != nil {
		return err
	}
	if !rs.Lockdown {
		return nil
	}
	if err := s.db.ResetLockdown(ctx); err != nil {
		return err
	}
	log.Info().Msg("✅ Lockdown reset by operator")
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindLockdown,
		Message: "lockdown reset by operator",
		Fields:  map[string]string{"action": "reset"},
		At:      time.Now().UTC(),
	})
	return nil
}
