package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/signal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aethelgard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Seed(context.Background(), decimal.NewFromInt(10000), 1.5, 5.0))
	return s
}

func testSignal(id string) *signal.Signal {
	return &signal.Signal{
		ID:          id,
		TraceID:     "trace-1",
		Symbol:      "EURUSD",
		Direction:   market.Buy,
		Entry:       decimal.RequireFromString("1.0800"),
		StopLoss:    decimal.RequireFromString("1.0750"),
		TakeProfit:  decimal.RequireFromString("1.0900"),
		Strategy:    "trend_rider",
		Timeframe:   market.H1,
		GeneratedAt: time.Now().UTC(),
		Score:       72,
		Regime:      regime.Trend,
		Mode:        signal.ModeReal,
		Status:      signal.StatusPending,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aethelgard.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Seed(context.Background(), decimal.NewFromInt(5000), 1.0, 4.0))
	require.NoError(t, s1.Close())

	// Reopening reruns migrations and leaves the seeded rows alone.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rs, err := s2.GetRiskState(context.Background())
	require.NoError(t, err)
	assert.True(t, rs.Equity.Equal(decimal.NewFromInt(5000)))
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A second seed with different values must not touch existing rows.
	require.NoError(t, s.Seed(ctx, decimal.NewFromInt(99999), 9.9, 9.9))

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	assert.True(t, rs.Equity.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 1.5, rs.PerTradeRiskPct)

	p, err := s.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
}

func TestSignalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := testSignal("sig-1")
	require.NoError(t, s.InsertSignal(ctx, sig))

	got, err := s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.True(t, got.Entry.Equal(sig.Entry))
	assert.Equal(t, signal.StatusPending, got.Status)

	pending, err := s.PendingSignals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkSignalRejected(ctx, "sig-1", "LOCKDOWN"))
	got, err = s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusRejected, got.Status)
	assert.Equal(t, "LOCKDOWN", got.Reject)

	// Terminal states are final.
	err = s.ExpireSignal(ctx, "sig-1")
	require.ErrorIs(t, err, ErrBadTransition)

	pending, err = s.PendingSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHasRecentDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSignal(ctx, testSignal("sig-1")))

	dup, err := s.HasRecentDuplicate(ctx, "EURUSD", market.Buy, "trend_rider", market.H1, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)

	// Opposite direction is a different trade idea.
	dup, err = s.HasRecentDuplicate(ctx, "EURUSD", market.Sell, "trend_rider", market.H1, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)

	// Window that excludes the row.
	dup, err = s.HasRecentDuplicate(ctx, "EURUSD", market.Buy, "trend_rider", market.H1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)
}

func testMetadata(signalID string) *PositionMetadata {
	return &PositionMetadata{
		SignalID:    signalID,
		TraceID:     "trace-1",
		Symbol:      "EURUSD",
		Direction:   market.Buy,
		Volume:      decimal.RequireFromString("0.30"),
		Entry:       decimal.RequireFromString("1.0800"),
		StopLoss:    decimal.RequireFromString("1.0750"),
		TakeProfit:  decimal.RequireFromString("1.0900"),
		InitialRisk: decimal.RequireFromString("150.00"),
		EntryRegime: regime.Trend,
		Strategy:    "trend_rider",
	}
}

func testPosition(ticket, signalID string) *Position {
	return &Position{
		Ticket:      ticket,
		TraceID:     "trace-1",
		SignalID:    signalID,
		Symbol:      "EURUSD",
		Direction:   market.Buy,
		Volume:      decimal.RequireFromString("0.30"),
		EntryPrice:  decimal.RequireFromString("1.0802"),
		StopLoss:    decimal.RequireFromString("1.0750"),
		TakeProfit:  decimal.RequireFromString("1.0900"),
		OpenTime:    time.Now().UTC(),
		Timeframe:   market.H1,
		EntryRegime: regime.Trend,
		InitialRisk: decimal.RequireFromString("150.00"),
		Strategy:    "trend_rider",
		Status:      PositionOpen,
	}
}

func TestCompleteExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSignal(ctx, testSignal("sig-1")))
	require.NoError(t, s.SavePositionMetadata(ctx, testMetadata("sig-1")))

	meta, err := s.GetPositionMetadata(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, MetadataOpening, meta.Status)

	require.NoError(t, s.CompleteExecution(ctx, "sig-1", "T-100", testPosition("T-100", "sig-1")))

	meta, err = s.GetPositionMetadata(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, MetadataOpen, meta.Status)
	assert.Equal(t, "T-100", meta.Ticket)

	pos, err := s.GetPosition(ctx, "T-100")
	require.NoError(t, err)
	assert.Equal(t, PositionOpen, pos.Status)

	sig, err := s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusExecuted, sig.Status)
	assert.Equal(t, "T-100", sig.Ticket)
}

func TestFailExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSignal(ctx, testSignal("sig-1")))
	require.NoError(t, s.SavePositionMetadata(ctx, testMetadata("sig-1")))
	require.NoError(t, s.FailExecution(ctx, "sig-1", "order rejected: no liquidity"))

	meta, err := s.GetPositionMetadata(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, MetadataFailed, meta.Status)
	assert.Contains(t, meta.Error, "no liquidity")

	sig, err := s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, signal.StatusRejected, sig.Status)
}

func TestFailStaleOpeningMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := testMetadata("sig-old")
	stale.CreatedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, s.SavePositionMetadata(ctx, stale))

	fresh := testMetadata("sig-new")
	require.NoError(t, s.SavePositionMetadata(ctx, fresh))

	n, err := s.FailStaleOpeningMetadata(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	meta, err := s.GetPositionMetadata(ctx, "sig-old")
	require.NoError(t, err)
	assert.Equal(t, MetadataFailed, meta.Status)

	meta, err = s.GetPositionMetadata(ctx, "sig-new")
	require.NoError(t, err)
	assert.Equal(t, MetadataOpening, meta.Status)
}

func testResult(ticket string, pnl string, result broker.Outcome) *TradeResult {
	return &TradeResult{
		Ticket:     ticket,
		SignalID:   "sig-" + ticket,
		Symbol:     "EURUSD",
		Direction:  market.Buy,
		Volume:     decimal.RequireFromString("0.30"),
		Entry:      decimal.RequireFromString("1.0802"),
		Exit:       decimal.RequireFromString("1.0750"),
		EntryTime:  time.Now().Add(-2 * time.Hour).UTC(),
		ExitTime:   time.Now().UTC(),
		PnL:        decimal.RequireFromString(pnl),
		Result:     string(result),
		ExitReason: "SL_HIT",
		Strategy:   "trend_rider",
		Regime:     regime.Trend,
	}
}

func TestRecordTradeClosureLockdownAtThree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	out, err := s.RecordTradeClosure(ctx, testResult("T-1", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.False(t, out.LockdownEngaged)
	assert.Equal(t, 1, out.Risk.ConsecutiveLosses)

	out, err = s.RecordTradeClosure(ctx, testResult("T-2", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.False(t, out.LockdownEngaged)
	assert.Equal(t, 2, out.Risk.ConsecutiveLosses)

	// Third consecutive loss flips lockdown, exactly once.
	out, err = s.RecordTradeClosure(ctx, testResult("T-3", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.True(t, out.LockdownEngaged)
	assert.True(t, out.Risk.Lockdown)
	require.NotNil(t, out.Risk.LockdownSince)

	out, err = s.RecordTradeClosure(ctx, testResult("T-4", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.False(t, out.LockdownEngaged, "already locked, no new edge")
	assert.True(t, out.Risk.Lockdown)

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	assert.True(t, rs.Equity.Equal(decimal.RequireFromString("9400.00")))
}

func TestRecordTradeClosureIdempotentByTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	out, err := s.RecordTradeClosure(ctx, testResult("T-1", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.False(t, out.AlreadyRecorded)

	// Same ticket again: no duplicate row, no double risk update.
	out, err = s.RecordTradeClosure(ctx, testResult("T-1", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	assert.True(t, out.AlreadyRecorded)

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.ConsecutiveLosses)
	assert.True(t, rs.Equity.Equal(decimal.RequireFromString("9850.00")))

	has, err := s.HasTradeResult(ctx, "T-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRecordTradeClosureStreakRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordTradeClosure(ctx, testResult("T-1", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)
	_, err = s.RecordTradeClosure(ctx, testResult("T-2", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)

	// Breakeven neither extends nor resets the streak.
	out, err := s.RecordTradeClosure(ctx, testResult("T-3", "0.00", broker.OutcomeBreakeven), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Risk.ConsecutiveLosses)
	assert.False(t, out.Risk.Lockdown)

	// A win clears it.
	out, err = s.RecordTradeClosure(ctx, testResult("T-4", "300.00", broker.OutcomeWin), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Risk.ConsecutiveLosses)
}

func TestRecordTradeClosureClosesPositionRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPosition(ctx, testPosition("T-1", "sig-1")))

	_, err := s.RecordTradeClosure(ctx, testResult("T-1", "-150.00", broker.OutcomeLoss), 3)
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, PositionClosed, pos.Status)
	assert.Equal(t, "SL_HIT", pos.ExitReason)
	assert.True(t, pos.PnL.Equal(decimal.RequireFromString("-150.00")))

	open, err := s.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResetLockdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ticket := range []string{"T-1", "T-2", "T-3"} {
		_, err := s.RecordTradeClosure(ctx, testResult(ticket, "-150.00", broker.OutcomeLoss), 3)
		require.NoError(t, err, "loss %d", i+1)
	}

	require.NoError(t, s.ResetLockdown(ctx))
	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	assert.False(t, rs.Lockdown)
	assert.Nil(t, rs.LockdownSince)
	assert.Equal(t, 0, rs.ConsecutiveLosses)
}

func TestParamsVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, params.Defaults().ADXThreshold, p.ADXThreshold)
	assert.Equal(t, params.Defaults().RegimeWeights, p.RegimeWeights)

	p.ADXThreshold = 25
	p.TrailingMult["TREND"] = 3.5
	saved, err := s.SaveParams(ctx, p, "tuner", "widened trend trail")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)

	latest, err := s.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 25.0, latest.ADXThreshold)
	assert.Equal(t, 3.5, latest.TrailingMult["TREND"])
}

func TestTuningLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTuningLog(ctx, &TuningLog{
		ParamsVersion:  2,
		TriggeredBy:    "lockdown",
		TradesExamined: 12,
		Before:         `{"adx":23}`,
		After:          `{"adx":25}`,
		Rationale:      "loss cluster in VOLATILE",
	}))

	entries, err := s.TuningLogEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lockdown", entries[0].TriggeredBy)
	assert.Equal(t, uint(2), entries[0].ParamsVersion)
}

func TestModuleToggles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Seed enables everything.
	enabled, err := s.ModuleEnabled(ctx, ModuleExecutor)
	require.NoError(t, err)
	assert.True(t, enabled)

	// Unknown modules default to enabled.
	enabled, err = s.ModuleEnabled(ctx, "no_such_module")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.SetModuleEnabled(ctx, ModuleExecutor, false))
	enabled, err = s.ModuleEnabled(ctx, ModuleExecutor)
	require.NoError(t, err)
	assert.False(t, enabled)

	disabled, err := s.DisabledModules(ctx)
	require.NoError(t, err)
	require.Contains(t, disabled, ModuleExecutor)
}

func TestModuleActivitySince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSignal(ctx, testSignal("sig-1")))
	sig2 := testSignal("sig-2")
	sig2.Symbol = "GBPUSD"
	require.NoError(t, s.InsertSignal(ctx, sig2))

	n, err := s.ModuleActivitySince(ctx, ModuleSignalFactory, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Modules without their own rows report zero.
	n, err = s.ModuleActivitySince(ctx, ModuleScanner, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestVirtualTradeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vt := &VirtualTrade{
		SignalID:   "sig-1",
		Symbol:     "EURUSD",
		Strategy:   "range_fader",
		Regime:     regime.Range,
		Direction:  market.Sell,
		Entry:      decimal.RequireFromString("1.0900"),
		StopLoss:   decimal.RequireFromString("1.0930"),
		TakeProfit: decimal.RequireFromString("1.0840"),
		Timeframe:  market.H1,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.InsertVirtualTrade(ctx, vt))

	open, err := s.OpenVirtualTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, VirtualOpen, open[0].Status)

	require.NoError(t, s.ResolveVirtualTrade(ctx, open[0].ID, VirtualWin, decimal.NewFromInt(2), time.Now().UTC()))

	open, err = s.OpenVirtualTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	record, err := s.VirtualTradesFor(ctx, "range_fader", "EURUSD", regime.Range, time.Now().Add(-time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, record, 1)
	assert.Equal(t, VirtualWin, record[0].Status)
	assert.True(t, record[0].RMultiple.Equal(decimal.NewFromInt(2)))
}

func TestApplyBracketCountsMods(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPosition(ctx, testPosition("T-1", "sig-1")))

	now := time.Now().UTC()
	require.NoError(t, s.ApplyBracket(ctx, "T-1", decimal.RequireFromString("1.0760"), decimal.RequireFromString("1.0900"), now))
	require.NoError(t, s.ApplyBracket(ctx, "T-1", decimal.RequireFromString("1.0770"), decimal.RequireFromString("1.0900"), now))

	pos, err := s.GetPosition(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos.ModsToday)
	assert.True(t, pos.StopLoss.Equal(decimal.RequireFromString("1.0770")))

	// Counter restarts on the next calendar day.
	assert.Equal(t, 0, pos.ModsFor(now.Add(24*time.Hour).Format("2006-01-02")))
}

func TestRecordModifyRejectContestsAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPosition(ctx, testPosition("T-1", "sig-1")))
	prevSL := decimal.RequireFromString("1.0750")
	prevTP := decimal.RequireFromString("1.0900")

	contested, err := s.RecordModifyReject(ctx, "T-1", prevSL, prevTP, 3)
	require.NoError(t, err)
	assert.False(t, contested)

	contested, err = s.RecordModifyReject(ctx, "T-1", prevSL, prevTP, 3)
	require.NoError(t, err)
	assert.False(t, contested)

	contested, err = s.RecordModifyReject(ctx, "T-1", prevSL, prevTP, 3)
	require.NoError(t, err)
	assert.True(t, contested)

	pos, err := s.GetPosition(ctx, "T-1")
	require.NoError(t, err)
	assert.True(t, pos.Contested)
	assert.Equal(t, 3, pos.RejectStreak)
	assert.True(t, pos.StopLoss.Equal(prevSL), "bracket restored after rejection")

	// An accepted modification clears the contest.
	require.NoError(t, s.ApplyBracket(ctx, "T-1", decimal.RequireFromString("1.0760"), prevTP, time.Now().UTC()))
	pos, err = s.GetPosition(ctx, "T-1")
	require.NoError(t, err)
	assert.False(t, pos.Contested)
	assert.Equal(t, 0, pos.RejectStreak)
}

func TestUpsertPositionPreservesInitialRisk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPosition(ctx, testPosition("T-1", "sig-1")))

	// Orphan sync writes a fresh snapshot with no risk figure.
	update := testPosition("T-1", "sig-1")
	update.InitialRisk = decimal.Zero
	update.StopLoss = decimal.RequireFromString("1.0760")
	update.OrphanSync = true
	require.NoError(t, s.UpsertPosition(ctx, update))

	pos, err := s.GetPosition(ctx, "T-1")
	require.NoError(t, err)
	assert.True(t, pos.InitialRisk.Equal(decimal.RequireFromString("150.00")), "initial risk is immutable")
	assert.True(t, pos.StopLoss.Equal(decimal.RequireFromString("1.0760")))
	assert.True(t, pos.OrphanSync)
}

func TestExecutedSignalsWithoutTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Executed with a ticket: coherent.
	sig := testSignal("sig-ok")
	sig.GeneratedAt = time.Now().Add(-5 * time.Minute)
	require.NoError(t, s.InsertSignal(ctx, sig))
	require.NoError(t, s.SavePositionMetadata(ctx, testMetadata("sig-ok")))
	require.NoError(t, s.CompleteExecution(ctx, "sig-ok", "T-1", testPosition("T-1", "sig-ok")))

	// Executed without a ticket: incoherent once past the grace window.
	bad := testSignal("sig-bad")
	bad.GeneratedAt = time.Now().Add(-5 * time.Minute)
	bad.Status = signal.StatusExecuted
	require.NoError(t, s.InsertSignal(ctx, bad))

	missing, err := s.ExecutedSignalsWithoutTicket(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "sig-bad", missing[0].ID)
}

func TestCoherenceAndRegimeRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRegimeSample(ctx, regime.Sample{
		Symbol:    "EURUSD",
		Timeframe: market.H1,
		Label:     regime.Trend,
		ADX:       31.2,
		ATRPct:    0.6,
		Time:      time.Now().UTC(),
	}))

	samples, err := s.RegimeSamplesFor(ctx, "EURUSD", string(market.H1), time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, regime.Trend, samples[0].Label)
}
