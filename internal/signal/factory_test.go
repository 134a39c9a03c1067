package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeStore struct {
	inserted  []*Signal
	dup       bool
	dupErr    error
	insertErr error
}

func (f *fakeStore) InsertSignal(_ context.Context, s *Signal) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeStore) HasRecentDuplicate(context.Context, string, market.Direction, string, market.Timeframe, time.Time) (bool, error) {
	return f.dup, f.dupErr
}

type fakeRouter struct{ mode Mode }

func (f *fakeRouter) Route(context.Context, *Signal) Mode { return f.mode }

type fakeReporter struct {
	kinds []string
}

func (f *fakeReporter) ReportIncoherence(_ context.Context, kind, _, _, _ string) {
	f.kinds = append(f.kinds, kind)
}

// stubStrategy emits one fixed candidate in TREND.
type stubStrategy struct {
	cand strategy.Candidate
}

func (s *stubStrategy) Name() string { return s.cand.Strategy }
func (s *stubStrategy) ApplicableRegimes() []regime.Label {
	return []regime.Label{regime.Trend}
}
func (s *stubStrategy) Generate(context.Context, strategy.Input) []strategy.Candidate {
	return []strategy.Candidate{s.cand}
}

func goodCandidate(symbol string) strategy.Candidate {
	return strategy.Candidate{
		Symbol:     symbol,
		Direction:  market.Buy,
		Entry:      d("1.0800"),
		StopLoss:   d("1.0750"),
		TakeProfit: d("1.0900"),
		Score:      70,
		Strategy:   "StubStrat",
		Timeframe:  market.H1,
	}
}

func newFactoryUnderTest(t *testing.T, cand strategy.Candidate, store *fakeStore, router Router, rep IncoherenceReporter) *Factory {
	t.Helper()
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(&stubStrategy{cand: cand}))

	profiles := asset.NewRegistry()
	profiles.Put(&asset.Profile{Symbol: "EURUSD", Class: asset.ClassForex, Enabled: true})

	return NewFactory(reg, strategy.NewTrifecta(), profiles, store, router, rep, notify.Nop{})
}

func trendInput() strategy.Input {
	return strategy.Input{
		Symbol:    "EURUSD",
		Timeframe: market.H1,
		Regime:    regime.Trend,
		Params:    params.Defaults(),
	}
}

func alignedHigher() *regime.Sample {
	return &regime.Sample{Label: regime.Trend, SlopePct: 0.02}
}

func noon() time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func TestFactoryEmitsPendingSignal(t *testing.T) {
	store := &fakeStore{}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, nil, nil)

	out := f.Process(context.Background(), "trace-1", trendInput(), alignedHigher(), noon())
	require.Len(t, out, 1)
	require.Len(t, store.inserted, 1)

	sig := store.inserted[0]
	assert.Equal(t, StatusPending, sig.Status)
	assert.Equal(t, ModeReal, sig.Mode)
	assert.Equal(t, "trace-1", sig.TraceID)
	assert.Equal(t, "EURUSD", sig.Symbol)
	assert.Equal(t, regime.Trend, sig.Regime)
	assert.NotEmpty(t, sig.ID)
	// 70 * 1.0 weight + 10 alignment bonus.
	assert.InDelta(t, 80.0, sig.Score, 1e-9)
}

func TestFactoryRejectsNonCanonicalSymbol(t *testing.T) {
	store := &fakeStore{}
	rep := &fakeReporter{}
	f := newFactoryUnderTest(t, goodCandidate("eurusd.m"), store, nil, rep)

	out := f.Process(context.Background(), "trace-2", trendInput(), alignedHigher(), noon())
	require.Len(t, out, 1)
	require.Len(t, store.inserted, 1)

	sig := store.inserted[0]
	assert.Equal(t, StatusRejected, sig.Status)
	assert.Equal(t, RejectUnnormalizedSymbol, sig.Reject)
	assert.Equal(t, "EURUSD", sig.Symbol, "stored row carries the canonical spelling")
	assert.Equal(t, []string{RejectUnnormalizedSymbol}, rep.kinds)
}

func TestFactoryRejectsUnprofiledSymbol(t *testing.T) {
	store := &fakeStore{}
	f := newFactoryUnderTest(t, goodCandidate("GBPJPY"), store, nil, nil)

	out := f.Process(context.Background(), "trace-3", trendInput(), alignedHigher(), noon())
	require.Len(t, out, 1)
	assert.Equal(t, StatusRejected, out[0].Status)
	assert.Equal(t, RejectNoAssetProfile, out[0].Reject)
}

func TestFactoryDropsTrapZone(t *testing.T) {
	store := &fakeStore{}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, nil, nil)

	against := &regime.Sample{Label: regime.Trend, SlopePct: -0.05}
	out := f.Process(context.Background(), "trace-4", trendInput(), against, noon())
	assert.Empty(t, out)
	assert.Empty(t, store.inserted)
}

func TestFactoryDropsUnderScoreFloor(t *testing.T) {
	store := &fakeStore{}
	cand := goodCandidate("EURUSD")
	cand.Score = 30 // 30 + 10 bonus = 40 < 60 floor
	f := newFactoryUnderTest(t, cand, store, nil, nil)

	out := f.Process(context.Background(), "trace-5", trendInput(), alignedHigher(), noon())
	assert.Empty(t, out)
}

func TestFactorySuppressesDuplicates(t *testing.T) {
	store := &fakeStore{dup: true}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, nil, nil)

	out := f.Process(context.Background(), "trace-6", trendInput(), alignedHigher(), noon())
	assert.Empty(t, out)
	assert.Empty(t, store.inserted)
}

func TestFactoryDropsOnDedupError(t *testing.T) {
	store := &fakeStore{dupErr: errors.New("db locked")}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, nil, nil)

	out := f.Process(context.Background(), "trace-7", trendInput(), alignedHigher(), noon())
	assert.Empty(t, out)
}

func TestFactorySkipsShockRegime(t *testing.T) {
	store := &fakeStore{}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, nil, nil)

	in := trendInput()
	in.Regime = regime.Shock
	out := f.Process(context.Background(), "trace-8", in, alignedHigher(), noon())
	assert.Empty(t, out)
}

func TestFactoryHonorsRouter(t *testing.T) {
	store := &fakeStore{}
	f := newFactoryUnderTest(t, goodCandidate("EURUSD"), store, &fakeRouter{mode: ModeVirtual}, nil)

	out := f.Process(context.Background(), "trace-9", trendInput(), alignedHigher(), noon())
	require.Len(t, out, 1)
	assert.Equal(t, ModeVirtual, out[0].Mode)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusExecuted))
	assert.True(t, StatusPending.CanTransition(StatusRejected))
	assert.True(t, StatusPending.CanTransition(StatusExpired))
	assert.False(t, StatusExecuted.CanTransition(StatusPending))
	assert.False(t, StatusRejected.CanTransition(StatusExecuted))
	assert.False(t, StatusPending.CanTransition(StatusPending))
}

func TestSignalStale(t *testing.T) {
	sig := &Signal{
		Status:      StatusPending,
		Timeframe:   market.M5,
		GeneratedAt: noon(),
	}
	assert.False(t, sig.Stale(noon().Add(10*time.Minute)))
	assert.True(t, sig.Stale(noon().Add(16*time.Minute)))

	sig.Status = StatusExecuted
	assert.False(t, sig.Stale(noon().Add(16*time.Minute)))
}
