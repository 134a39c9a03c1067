// Package scanner drives the whole pipeline on a fixed cadence. It is
// the only timed component; everything downstream runs off its cycles
// or off broker callbacks.
package scanner

// ═══════════════════════════════════════════════════════════════════════════════
// SCANNER - Cadence loop, fan-out, heartbeat
// ═══════════════════════════════════════════════════════════════════════════════
//
// One cycle, per enabled (symbol, timeframe):
//
//   bars → indicators → regime classify → cache + persist → strategies
//   → jury routing → executor (REAL) or shadow ledger (VIRTUAL)
//
// Around the fan-out: leftover PENDING signals retried first, position
// supervision on its own goroutine, shadow resolution and the
// coherence sweep at the tail.
//
// A cycle never crosses with itself: a tick that fires while the
// previous cycle still holds the token is dropped and counted. Symbols
// failing three fetches in a row go STALE; the regime cache serves the
// last sample flagged degraded until the feed recovers.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/executor"
	"github.com/ricaherr/aethelgard/internal/jury"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/position"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
	"github.com/ricaherr/aethelgard/internal/strategy"
	"github.com/ricaherr/aethelgard/internal/ta"
)

// heartbeatGrace is how many intervals may pass without a completed
// cycle before the heartbeat counts as lost.
const heartbeatGrace = 3

// Instrument is one enabled scan target.
type Instrument struct {
	Symbol     string
	Timeframes []market.Timeframe
}

// InstrumentsFromConfig validates the configured instrument list,
// normalizing symbols and dropping disabled entries.
func InstrumentsFromConfig(in []config.InstrumentConfig) ([]Instrument, error) {
	var out []Instrument
	for _, ic := range in {
		if !ic.Enabled {
			continue
		}
		inst := Instrument{Symbol: asset.Normalize(ic.Symbol)}
		for _, raw := range ic.Timeframes {
			tf, err := market.ParseTimeframe(raw)
			if err != nil {
				return nil, fmt.Errorf("instrument %s: %w", ic.Symbol, err)
			}
			inst.Timeframes = append(inst.Timeframes, tf)
		}
		out = append(out, inst)
	}
	return out, nil
}

// Sweeper runs the per-cycle coherence cross-checks.
type Sweeper interface {
	Sweep(ctx context.Context, traceID string, now time.Time) int
}

// Deps wires the scanner to the rest of the pipeline. Executor,
// Recorder, Positions and Monitor may be nil; the matching cycle stage
// is then skipped.
type Deps struct {
	DB        *store.Store
	Provider  market.DataProvider
	Factory   *signal.Factory
	Executor  *executor.Executor
	Recorder  *jury.Recorder
	Positions *position.Manager
	Monitor   Sweeper
	Regimes   *regime.Cache
	Notifier  notify.Notifier
}

// Scanner owns the cadence loop.
type Scanner struct {
	db          *store.Store
	provider    market.DataProvider
	factory     *signal.Factory
	exec        *executor.Executor
	recorder    *jury.Recorder
	positions   *position.Manager
	monitor     Sweeper
	regimes     *regime.Cache
	notifier    notify.Notifier
	cfg         config.ScannerConfig
	instruments []Instrument

	// cycleToken has capacity one; the holder is the running cycle.
	cycleToken chan struct{}

	mu         sync.Mutex
	failures   map[string]int
	stale      map[string]bool
	lastBeat   time.Time
	beatLost   bool
	lastParams params.Params
}

func New(deps Deps, instruments []Instrument, cfg config.ScannerConfig) *Scanner {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scanner{
		db:          deps.DB,
		provider:    deps.Provider,
		factory:     deps.Factory,
		exec:        deps.Executor,
		recorder:    deps.Recorder,
		positions:   deps.Positions,
		monitor:     deps.Monitor,
		regimes:     deps.Regimes,
		notifier:    notifier,
		cfg:         cfg,
		instruments: instruments,
		cycleToken:  make(chan struct{}, 1),
		failures:    make(map[string]int),
		stale:       make(map[string]bool),
	}
}

// Run drives the cadence until the context ends, starting with an
// immediate cycle. The in-flight cycle is drained before returning.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("workers", s.cfg.Workers).
		Int("instruments", len(s.instruments)).
		Msg("📡 Scanner running")

	s.mu.Lock()
	s.lastBeat = time.Now().UTC()
	s.mu.Unlock()

	var inflight sync.WaitGroup
	s.launch(ctx, &inflight)

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			log.Info().Msg("👋 Scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			s.watchHeartbeat(ctx, time.Now().UTC())
			s.launch(ctx, &inflight)
		}
	}
}

// launch starts one cycle unless the previous one still holds the
// token, in which case the tick is coalesced.
func (s *Scanner) launch(ctx context.Context, inflight *sync.WaitGroup) {
	select {
	case s.cycleToken <- struct{}{}:
	default:
		metrics.CyclesCoalesced.Inc()
		log.Warn().Msg("⏱️ Previous cycle still running, tick coalesced")
		return
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		defer func() { <-s.cycleToken }()
		s.Cycle(ctx, time.Now().UTC())
	}()
}

// Cycle runs one full scan pass. Exported so the control surface and
// tests can drive a pass outside the cadence; concurrent callers are
// serialized only when they go through Run.
func (s *Scanner) Cycle(ctx context.Context, now time.Time) {
	start := time.Now()
	traceID := uuid.NewString()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		s.beat(time.Now().UTC())
	}()

	if enabled, err := s.db.ModuleEnabled(ctx, store.ModuleScanner); err != nil {
		log.Warn().Err(err).Msg("⚠️ Scanner toggle unreadable, proceeding")
	} else if !enabled {
		log.Debug().Msg("Scanner toggled off, idle cycle")
		return
	}

	p, err := s.params(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Cycle aborted, no parameters available")
		return
	}
	g := s.gates(ctx)

	// Position supervision shares the tick but not the worker pool, so
	// a slow data provider cannot delay stop management.
	var aux sync.WaitGroup
	if s.positions != nil && g.positions {
		aux.Add(1)
		go func() {
			defer aux.Done()
			if err := s.positions.Supervise(ctx, now, p); err != nil {
				log.Warn().Err(err).Msg("⚠️ Position supervision failed")
			}
		}()
	}

	// Leftovers from earlier cycles get their retry before new signals
	// join the queue.
	s.drainPending(ctx, now, p, g)
	s.fanOut(ctx, traceID, now, p, g)
	aux.Wait()

	if s.recorder != nil {
		if _, err := s.recorder.Resolve(ctx, now); err != nil {
			log.Warn().Err(err).Msg("⚠️ Shadow ledger resolution failed")
		}
	}
	if s.monitor != nil {
		s.monitor.Sweep(ctx, traceID, now)
	}

	log.Debug().
		Str("trace_id", traceID).
		Dur("elapsed", time.Since(start)).
		Int("params_version", p.Version).
		Msg("Cycle complete")
}

// task is one (symbol, timeframe) unit of scanning.
type task struct {
	symbol string
	tf     market.Timeframe
}

func (s *Scanner) tasks() []task {
	var out []task
	for _, inst := range s.instruments {
		for _, tf := range inst.Timeframes {
			out = append(out, task{symbol: inst.Symbol, tf: tf})
		}
	}
	return out
}

// fanOut feeds the scan tasks through the bounded worker pool.
func (s *Scanner) fanOut(ctx context.Context, traceID string, now time.Time, p params.Params, g gates) {
	tasks := s.tasks()
	if len(tasks) == 0 {
		return
	}
	workers := s.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	queue := make(chan task)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				s.scan(ctx, traceID, t, p, g, now)
			}
		}()
	}

feed:
	for _, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
}

// scan handles one (symbol, timeframe): fetch, classify, generate,
// dispatch. The provider deadline scopes only the data fetch.
func (s *Scanner) scan(ctx context.Context, traceID string, t task, p params.Params, g gates, now time.Time) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	bars, err := s.provider.Bars(fetchCtx, t.symbol, t.tf, s.cfg.Bars)
	cancel()
	if err != nil {
		s.recordFailure(t, err)
		return
	}

	snap, err := ta.Compute(t.symbol, t.tf, bars)
	if err != nil {
		s.recordFailure(t, err)
		return
	}
	s.recordSuccess(t.symbol)

	sample := regime.Classify(snap, p)
	s.regimes.Put(sample)
	if err := s.db.SaveRegimeSample(ctx, sample); err != nil {
		log.Error().Err(err).
			Str("symbol", t.symbol).
			Str("timeframe", string(t.tf)).
			Msg("Regime sample persist failed")
	}

	if !g.factory {
		return
	}

	in := strategy.Input{
		Symbol:    t.symbol,
		Timeframe: t.tf,
		Bars:      bars,
		Snap:      snap,
		Regime:    sample.Label,
		Params:    p,
	}
	higher := s.higherSample(t.symbol, t.tf)
	for _, sig := range s.factory.Process(ctx, traceID, in, higher, now) {
		metrics.SignalsTotal.WithLabelValues(strings.ToLower(string(sig.Status))).Inc()
		s.dispatch(ctx, sig, p, g)
	}
}

// dispatch hands one freshly persisted signal to its execution path.
func (s *Scanner) dispatch(ctx context.Context, sig *signal.Signal, p params.Params, g gates) {
	if sig.Status != signal.StatusPending {
		return // REJECTED audit rows end here
	}
	switch sig.Mode {
	case signal.ModeVirtual:
		if s.recorder == nil {
			return
		}
		if err := s.recorder.Record(ctx, sig); err != nil {
			log.Error().Err(err).
				Str("signal", sig.ID).
				Str("symbol", sig.Symbol).
				Msg("Shadow trade open failed")
		}
	case signal.ModeReal:
		if s.exec == nil || !g.executor {
			return
		}
		if _, err := s.exec.Execute(ctx, sig, p.PerTradeRiskPct); err != nil {
			log.Warn().Err(err).
				Str("signal", sig.ID).
				Str("symbol", sig.Symbol).
				Msg("⚠️ Execution deferred, signal stays pending")
		}
	}
}

// drainPending retries REAL signals still PENDING from earlier cycles.
// Stale rows are left for the coherence sweep to expire.
func (s *Scanner) drainPending(ctx context.Context, now time.Time, p params.Params, g gates) {
	if s.exec == nil || !g.executor {
		return
	}
	pending, err := s.db.PendingSignals(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Pending signal sweep failed")
		return
	}
	for _, sig := range pending {
		if sig.Mode != signal.ModeReal || sig.Stale(now) {
			continue
		}
		if _, err := s.exec.Execute(ctx, sig, p.PerTradeRiskPct); err != nil {
			log.Warn().Err(err).
				Str("signal", sig.ID).
				Msg("⚠️ Pending retry failed, next cycle")
		}
	}
}

// higherSample returns the confluence sample from the timeframe above,
// nil when the cache has none yet.
func (s *Scanner) higherSample(symbol string, tf market.Timeframe) *regime.Sample {
	higherTF, ok := strategy.HigherTF(tf)
	if !ok {
		return nil
	}
	sample, ok := s.regimes.Get(symbol, higherTF)
	if !ok {
		return nil
	}
	return &sample
}

// gates caches the per-cycle module toggles. Unreadable toggles fail
// open, matching the store's default-enabled semantics.
type gates struct {
	factory   bool
	executor  bool
	positions bool
}

func (s *Scanner) gates(ctx context.Context) gates {
	read := func(module string) bool {
		enabled, err := s.db.ModuleEnabled(ctx, module)
		if err != nil {
			log.Warn().Err(err).Str("module", module).Msg("⚠️ Toggle unreadable, proceeding")
			return true
		}
		return enabled
	}
	return gates{
		factory:   read(store.ModuleSignalFactory),
		executor:  read(store.ModuleExecutor),
		positions: read(store.ModulePositionManager),
	}
}

// params loads the cycle's parameter snapshot, falling back to the
// last good version when the store read fails mid-flight.
func (s *Scanner) params(ctx context.Context) (params.Params, error) {
	p, err := s.db.CurrentParams(ctx)
	if err == nil {
		s.mu.Lock()
		s.lastParams = p
		s.mu.Unlock()
		return p, nil
	}

	s.mu.Lock()
	last := s.lastParams
	s.mu.Unlock()
	if last.Version > 0 {
		log.Warn().Err(err).
			Int("version", last.Version).
			Msg("⚠️ Parameter reload failed, reusing cached version")
		return last, nil
	}
	return params.Params{}, err
}

// recordFailure counts a per-symbol fetch failure and flips the symbol
// STALE at the threshold. While STALE the cached regime sample is
// re-stored flagged degraded so downstream readers see resilience
// mode, not absence.
func (s *Scanner) recordFailure(t task, cause error) {
	s.mu.Lock()
	s.failures[t.symbol]++
	count := s.failures[t.symbol]
	turned := false
	if count >= s.cfg.StaleAfter && !s.stale[t.symbol] {
		s.stale[t.symbol] = true
		turned = true
	}
	isStale := s.stale[t.symbol]
	staleCount := len(s.stale)
	s.mu.Unlock()

	metrics.StaleSymbols.Set(float64(staleCount))
	if isStale {
		if sample, ok := s.regimes.GetDegraded(t.symbol, t.tf); ok {
			s.regimes.Put(sample)
		}
	}
	if turned {
		log.Error().Err(cause).
			Str("symbol", t.symbol).
			Int("failures", count).
			Msg("🔇 Symbol marked STALE, serving cached regime")
		return
	}
	log.Warn().Err(cause).
		Str("symbol", t.symbol).
		Str("timeframe", string(t.tf)).
		Int("failures", count).
		Msg("⚠️ Symbol fetch failed")
}

// recordSuccess clears the failure count and lifts any STALE mark.
func (s *Scanner) recordSuccess(symbol string) {
	s.mu.Lock()
	wasStale := s.stale[symbol]
	delete(s.failures, symbol)
	delete(s.stale, symbol)
	staleCount := len(s.stale)
	s.mu.Unlock()

	metrics.StaleSymbols.Set(float64(staleCount))
	if wasStale {
		log.Info().Str("symbol", symbol).Msg("📡 Symbol recovered from STALE")
	}
}

// Stale reports whether a symbol is currently in resilience mode.
func (s *Scanner) Stale(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[symbol]
}

// StaleSymbols lists the symbols currently marked STALE.
func (s *Scanner) StaleSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stale))
	for sym := range s.stale {
		out = append(out, sym)
	}
	return out
}

// beat records a completed cycle and closes any heartbeat-lost episode.
func (s *Scanner) beat(now time.Time) {
	s.mu.Lock()
	s.lastBeat = now
	s.beatLost = false
	s.mu.Unlock()
	metrics.HeartbeatAge.Set(0)
}

// HeartbeatAge returns the time since the last completed cycle, zero
// before the first.
func (s *Scanner) HeartbeatAge(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastBeat.IsZero() {
		return 0
	}
	return now.Sub(s.lastBeat)
}

// HealthFault reports a heartbeat older than three intervals.
func (s *Scanner) HealthFault(now time.Time) bool {
	return s.HeartbeatAge(now) > heartbeatGrace*s.cfg.Interval
}

// watchHeartbeat raises HEARTBEAT_LOST once per stale episode. The
// next completed cycle arms it again.
func (s *Scanner) watchHeartbeat(ctx context.Context, now time.Time) {
	age := s.HeartbeatAge(now)
	metrics.HeartbeatAge.Set(age.Seconds())
	if !s.HealthFault(now) {
		return
	}

	s.mu.Lock()
	first := !s.beatLost
	s.beatLost = true
	s.mu.Unlock()
	if !first {
		return
	}

	log.Error().
		Dur("age", age).
		Dur("interval", s.cfg.Interval).
		Msg("💔 Scanner heartbeat lost")
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindHeartbeatLost,
		Message: "scanner heartbeat stale",
		Fields: map[string]string{
			"age":      age.String(),
			"interval": s.cfg.Interval.String(),
		},
		At: now,
	})
}
