package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/executor"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/risk"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type tickFeed struct{ ticks map[string]market.Tick }

func (f *tickFeed) Bars(context.Context, string, market.Timeframe, int) ([]market.Bar, error) {
	return nil, market.ErrNoData
}

func (f *tickFeed) LastTick(_ context.Context, symbol string) (market.Tick, error) {
	tick, ok := f.ticks[symbol]
	if !ok {
		return market.Tick{}, market.ErrNoData
	}
	return tick, nil
}

type scannerStub struct {
	stale []string
	age   time.Duration
	fault bool
}

func (s *scannerStub) StaleSymbols() []string { return append([]string(nil), s.stale...) }

func (s *scannerStub) HeartbeatAge(time.Time) time.Duration { return s.age }

func (s *scannerStub) HealthFault(time.Time) bool { return s.fault }

type eventSink struct{ events []notify.Event }

func (s *eventSink) Notify(_ context.Context, ev notify.Event) {
	s.events = append(s.events, ev)
}

func (s *eventSink) count(kind notify.Kind) int {
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func bounds() config.TunerConfig {
	return config.TunerConfig{
		EveryNClosures: 5,
		LookbackTrades: 40,
		ADXMin:         15,
		ADXMax:         35,
		ATRMultMin:     1.0,
		ATRMultMax:     4.0,
		MinScoreFloor:  50,
		MinScoreCeil:   80,
		RiskPctMin:     0.25,
		RiskPctMax:     2.0,
	}
}

type rig struct {
	s     *Surface
	db    *store.Store
	paper *broker.Paper
	cache *regime.Cache
	view  *scannerStub
	sink  *eventSink
}

func newRig(t *testing.T) *rig {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Seed(context.Background(), decimal.NewFromInt(10000), 1.5, 5.0))

	feed := &tickFeed{ticks: map[string]market.Tick{
		"EURUSD": {Symbol: "EURUSD", Bid: d("1.0801"), Ask: d("1.0803"), Time: time.Now().UTC()},
	}}
	paper := broker.NewPaper(feed, decimal.NewFromInt(10000), "USD")
	paper.SeedSymbol(broker.SymbolInfo{
		Symbol:       "EURUSD",
		ContractSize: d("100000"),
		TickSize:     d("0.00001"),
		Digits:       5,
		VolumeStep:   d("0.01"),
		MinVolume:    d("0.01"),
		Visible:      true,
	})

	profiles := asset.NewRegistry()
	profiles.Put(&asset.Profile{Symbol: "EURUSD", Class: asset.ClassForex, Enabled: true})

	riskCfg := config.RiskConfig{
		PerTradeRiskPct:      1.5,
		MaxAccountRiskPct:    5.0,
		MaxConsecutiveLosses: 3,
		MaxPerSymbol:         2,
		OvershootTolerance:   1.10,
	}
	sizer := risk.NewSizer(paper, riskCfg.OvershootTolerance)
	exec := executor.New(db, paper, risk.NewManager(db, riskCfg), sizer, profiles, notify.Nop{}, riskCfg)

	cache := regime.NewCache()
	view := &scannerStub{}
	sink := &eventSink{}
	return &rig{
		s:     New(db, paper, exec, cache, view, sink, bounds()),
		db:    db,
		paper: paper,
		cache: cache,
		view:  view,
		sink:  sink,
	}
}

func pendingSignal(id string, mode signal.Mode, age time.Duration) *signal.Signal {
	return &signal.Signal{
		ID:          id,
		TraceID:     "tr-" + id,
		Symbol:      "EURUSD",
		Direction:   market.Buy,
		Entry:       d("1.0800"),
		StopLoss:    d("1.0750"),
		TakeProfit:  d("1.0900"),
		Strategy:    "stub_rider",
		Timeframe:   market.H1,
		GeneratedAt: time.Now().UTC().Add(-age),
		Score:       80,
		Regime:      regime.Trend,
		Mode:        mode,
		Status:      signal.StatusPending,
	}
}

func loss(ticket string) *store.TradeResult {
	now := time.Now().UTC()
	return &store.TradeResult{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Direction:  market.Buy,
		Volume:     d("0.3"),
		Entry:      d("1.0803"),
		Exit:       d("1.0750"),
		EntryTime:  now.Add(-time.Hour),
		ExitTime:   now,
		PnL:        d("-150"),
		Result:     string(broker.OutcomeLoss),
		ExitReason: "SL_HIT",
		Strategy:   "stub_rider",
		Regime:     regime.Trend,
	}
}

func TestUpdateParamsClampsToBounds(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	hi := 95.0
	lo := 0.1
	out, err := r.s.UpdateParams(ctx, ParamPatch{MinScore: &hi, ATRMultiplier: &lo})
	require.NoError(t, err)
	assert.Equal(t, 80.0, out.MinScore, "clamped to the ceiling")
	assert.Equal(t, 1.0, out.ATRMultiplier, "clamped to the floor")
	assert.Equal(t, 2, out.Version, "operator write is a new version")

	current, err := r.db.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, current.MinScore)

	_, err = r.s.UpdateParams(ctx, ParamPatch{})
	assert.Error(t, err, "empty patch is refused")
}

func TestSetModuleValidatesName(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	assert.Error(t, r.s.SetModule(ctx, "warp_drive", false))

	require.NoError(t, r.s.SetModule(ctx, store.ModuleExecutor, false))
	enabled, err := r.db.ModuleEnabled(ctx, store.ModuleExecutor)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestCancelSignalOnlyPending(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-c", signal.ModeReal, time.Minute)))

	require.NoError(t, r.s.CancelSignal(ctx, "sig-c"))
	sig, err := r.db.GetSignal(ctx, "sig-c")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusRejected, sig.Status)
	assert.Equal(t, RejectOperatorCancel, sig.Reject)

	assert.Error(t, r.s.CancelSignal(ctx, "sig-c"), "second cancel finds no PENDING signal")
}

func TestExecuteSignalManually(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-m", signal.ModeReal, time.Minute)))

	pos, err := r.s.ExecuteSignal(ctx, "sig-m")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.NotEmpty(t, pos.Ticket)

	sig, err := r.db.GetSignal(ctx, "sig-m")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusExecuted, sig.Status)
	assert.Equal(t, pos.Ticket, sig.Ticket)
}

func TestExecuteSignalRefusesVirtualAndStale(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-v", signal.ModeVirtual, time.Minute)))
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-s", signal.ModeReal, 4*time.Hour)))

	_, err := r.s.ExecuteSignal(ctx, "sig-v")
	assert.ErrorContains(t, err, "VIRTUAL")

	_, err = r.s.ExecuteSignal(ctx, "sig-s")
	assert.ErrorContains(t, err, "stale")

	for _, id := range []string{"sig-v", "sig-s"} {
		sig, gerr := r.db.GetSignal(ctx, id)
		require.NoError(t, gerr)
		assert.Equal(t, signal.StatusPending, sig.Status, id)
	}
}

func TestExecuteSignalSurfacesVetoReason(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for _, ticket := range []string{"L1", "L2", "L3"} {
		_, err := r.db.RecordTradeClosure(ctx, loss(ticket), 3)
		require.NoError(t, err)
	}
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-l", signal.ModeReal, time.Minute)))

	_, err := r.s.ExecuteSignal(ctx, "sig-l")
	require.Error(t, err)
	assert.ErrorContains(t, err, risk.ReasonLockdown)

	sig, err := r.db.GetSignal(ctx, "sig-l")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusRejected, sig.Status)
}

func TestPositionsJoinLiveBook(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.db.InsertSignal(ctx, pendingSignal("sig-p", signal.ModeReal, time.Minute)))
	_, err := r.s.ExecuteSignal(ctx, "sig-p")
	require.NoError(t, err)

	// A row the broker book knows nothing about.
	require.NoError(t, r.db.UpsertPosition(ctx, &store.Position{
		Ticket:      "999",
		SignalID:    "sig-x",
		Symbol:      "EURUSD",
		Direction:   market.Buy,
		Volume:      d("0.1"),
		EntryPrice:  d("1.0700"),
		StopLoss:    d("1.0650"),
		TakeProfit:  d("1.0800"),
		OpenTime:    time.Now().UTC().Add(-2 * time.Hour),
		Timeframe:   market.H1,
		EntryRegime: regime.Trend,
		InitialRisk: d("50"),
		Strategy:    "stub_rider",
		Status:      store.PositionOpen,
	}))

	out, err := r.s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byTicket := map[string]PositionStatus{}
	for _, st := range out {
		byTicket[st.Ticket] = st
	}

	executed := byTicket[mustLiveTicket(t, byTicket)]
	assert.True(t, executed.Live)
	// Filled at ask 1.0803, marked at bid 1.0801: 0.30 lots lose 6.00,
	// 0.04 of the 150 initial risk.
	assert.True(t, executed.Profit.Equal(d("-6")), "profit %s", executed.Profit)
	assert.True(t, executed.RMultiple.Equal(d("-0.04")), "r %s", executed.RMultiple)

	ghost := byTicket["999"]
	assert.False(t, ghost.Live)
	assert.True(t, ghost.RMultiple.IsZero())
}

func mustLiveTicket(t *testing.T, byTicket map[string]PositionStatus) string {
	t.Helper()
	for ticket, st := range byTicket {
		if st.Live {
			return ticket
		}
	}
	t.Fatal("no live position found")
	return ""
}

func TestRegimesReportStale(t *testing.T) {
	r := newRig(t)
	now := time.Now().UTC()
	r.cache.Put(regime.Sample{Symbol: "GBPUSD", Timeframe: market.H1, Label: regime.Range, Time: now})
	r.cache.Put(regime.Sample{Symbol: "EURUSD", Timeframe: market.H1, Label: regime.Trend, Time: now})
	r.view.stale = []string{"GBPUSD"}

	out := r.s.Regimes()
	require.Len(t, out, 2)
	assert.Equal(t, "EURUSD", out[0].Symbol, "sorted by symbol")
	assert.False(t, out[0].Stale)
	assert.Equal(t, "GBPUSD", out[1].Symbol)
	assert.True(t, out[1].Stale)
}

func TestHealthSnapshot(t *testing.T) {
	r := newRig(t)
	r.view.stale = []string{"XAUUSD", "EURUSD"}
	r.view.age = 42 * time.Second
	r.view.fault = true

	h := r.s.Health(time.Now().UTC())
	assert.Equal(t, 42*time.Second, h.HeartbeatAge)
	assert.True(t, h.Fault)
	assert.Equal(t, []string{"EURUSD", "XAUUSD"}, h.StaleSymbols, "sorted")
}

func TestResetLockdownClearsStreak(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for _, ticket := range []string{"L1", "L2", "L3"} {
		_, err := r.db.RecordTradeClosure(ctx, loss(ticket), 3)
		require.NoError(t, err)
	}

	rs, err := r.s.RiskStatus(ctx)
	require.NoError(t, err)
	require.True(t, rs.Lockdown)

	require.NoError(t, r.s.ResetLockdown(ctx))
	rs, err = r.s.RiskStatus(ctx)
	require.NoError(t, err)
	assert.False(t, rs.Lockdown)
	assert.Zero(t, rs.ConsecutiveLosses)
	assert.Equal(t, 1, r.sink.count(notify.KindLockdown))

	// Second reset is a no-op and stays quiet.
	require.NoError(t, r.s.ResetLockdown(ctx))
	assert.Equal(t, 1, r.sink.count(notify.KindLockdown))
}
