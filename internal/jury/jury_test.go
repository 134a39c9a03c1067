package jury

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
)

func juryConfig() config.JuryConfig {
	return config.JuryConfig{
		PromoteWinRate:      0.55,
		PromoteProfitFactor: 1.5,
		PromoteStreak:       5,
		PromoteMinTrades:    20,
		DemoteDrawdownPct:   3.0,
		DemoteLossStreak:    3,
		Window:              24 * time.Hour,
		RingSize:            20,
	}
}

func newJuryUnderTest(t *testing.T) (*Jury, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "jury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Seed(context.Background(), decimal.NewFromInt(10000), 1.5, 5.0))
	return New(db, juryConfig()), db
}

var shadowSeq int

// shadowOutcome writes one resolved shadow trade for the combo. Each call
// opens one second after the previous so recency ordering is deterministic.
func shadowOutcome(t *testing.T, db *store.Store, status, r string, label regime.Label) {
	t.Helper()
	shadowSeq++
	opened := time.Now().UTC().Add(-time.Hour).Add(time.Duration(shadowSeq) * time.Second)
	vt := &store.VirtualTrade{
		SignalID:   fmt.Sprintf("vt-%d", shadowSeq),
		Symbol:     "EURUSD",
		Strategy:   "trend_rider",
		Regime:     label,
		Direction:  market.Buy,
		Entry:      decimal.RequireFromString("1.0800"),
		StopLoss:   decimal.RequireFromString("1.0750"),
		TakeProfit: decimal.RequireFromString("1.0900"),
		Timeframe:  market.H1,
		OpenedAt:   opened,
	}
	require.NoError(t, db.InsertVirtualTrade(context.Background(), vt))
	require.NoError(t, db.ResolveVirtualTrade(context.Background(), vt.ID, status,
		decimal.RequireFromString(r), opened.Add(time.Minute)))
}

// realOutcome writes one real closure without tripping lockdown.
func realOutcome(t *testing.T, db *store.Store, ticket, result, pnl string, exitAt time.Time) {
	t.Helper()
	_, err := db.RecordTradeClosure(context.Background(), &store.TradeResult{
		Ticket:   ticket,
		Symbol:   "EURUSD",
		Strategy: "trend_rider",
		Result:   result,
		PnL:      decimal.RequireFromString(pnl),
		ExitTime: exitAt,
		Regime:   regime.Trend,
	}, 99)
	require.NoError(t, err)
}

func trendSignal() *signal.Signal {
	return &signal.Signal{
		ID:       "sig-1",
		Symbol:   "EURUSD",
		Strategy: "trend_rider",
		Regime:   regime.Trend,
	}
}

func TestFreshStrategyRoutesVirtual(t *testing.T) {
	j, _ := newJuryUnderTest(t)

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeVirtual, mode)
}

func TestPromotionByStreak(t *testing.T) {
	j, db := newJuryUnderTest(t)

	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeReal, mode)
}

func TestPromotionByConsistency(t *testing.T) {
	j, db := newJuryUnderTest(t)

	// 12 wins, 8 losses: 60% win rate, profit factor 3, 20 trades.
	// The newest run is only two wins, so the streak clause stays cold.
	for i := 0; i < 10; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}
	for i := 0; i < 8; i++ {
		shadowOutcome(t, db, store.VirtualLoss, "-1.0", regime.Trend)
	}
	for i := 0; i < 2; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeReal, mode)
}

func TestBelowBarStaysVirtual(t *testing.T) {
	j, db := newJuryUnderTest(t)

	// Perfect record, but three trades prove nothing.
	for i := 0; i < 3; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeVirtual, mode)
}

func TestRealLossStreakDemotes(t *testing.T) {
	j, db := newJuryUnderTest(t)

	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		realOutcome(t, db, fmt.Sprintf("T-%d", i), string(broker.OutcomeLoss), "-150.00",
			base.Add(time.Duration(i)*time.Minute))
	}

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeVirtual, mode)
}

func TestBreakevenDoesNotBreakLossStreak(t *testing.T) {
	j, db := newJuryUnderTest(t)

	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}
	base := time.Now().Add(-time.Hour)
	realOutcome(t, db, "T-1", string(broker.OutcomeLoss), "-150.00", base)
	realOutcome(t, db, "T-2", string(broker.OutcomeLoss), "-150.00", base.Add(time.Minute))
	realOutcome(t, db, "T-3", string(broker.OutcomeBreakeven), "0.00", base.Add(2*time.Minute))
	realOutcome(t, db, "T-4", string(broker.OutcomeLoss), "-150.00", base.Add(3*time.Minute))

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeVirtual, mode)
}

func TestDrawdownDemotes(t *testing.T) {
	j, db := newJuryUnderTest(t)

	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}
	// Peak +100, trough -500: a 600 drawdown is 6% of 10k equity. The
	// closing win keeps the loss streak out of play.
	base := time.Now().Add(-time.Hour)
	realOutcome(t, db, "T-1", string(broker.OutcomeWin), "100.00", base)
	realOutcome(t, db, "T-2", string(broker.OutcomeLoss), "-300.00", base.Add(time.Minute))
	realOutcome(t, db, "T-3", string(broker.OutcomeLoss), "-300.00", base.Add(2*time.Minute))
	realOutcome(t, db, "T-4", string(broker.OutcomeWin), "50.00", base.Add(3*time.Minute))

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeVirtual, mode)
}

func TestRegimeDriftRoutesVirtual(t *testing.T) {
	j, db := newJuryUnderTest(t)

	// Qualified in TREND only.
	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}

	drifted := trendSignal()
	drifted.Regime = regime.Range
	assert.Equal(t, signal.ModeVirtual, j.Route(context.Background(), drifted))

	assert.Equal(t, signal.ModeReal, j.Route(context.Background(), trendSignal()))
}

func TestRecoveryAfterQuarantine(t *testing.T) {
	j, db := newJuryUnderTest(t)

	for i := 0; i < 6; i++ {
		shadowOutcome(t, db, store.VirtualWin, "2.0", regime.Trend)
	}
	// Old losses outside the rolling window no longer bind.
	stale := time.Now().Add(-25 * time.Hour)
	for i := 0; i < 3; i++ {
		realOutcome(t, db, fmt.Sprintf("T-%d", i), string(broker.OutcomeLoss), "-150.00",
			stale.Add(time.Duration(i)*time.Minute))
	}

	mode := j.Route(context.Background(), trendSignal())
	assert.Equal(t, signal.ModeReal, mode)
}
