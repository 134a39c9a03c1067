// Package position supervises the open book on every scanner cycle.
package position

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Active supervision of every open position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per broker position, in order:
//   1. Orphan sync            adopt positions opened outside the pipeline
//   2. Emergency close        unrealized loss at or past the drawdown cap
//   3. Regime adjustment      pull the target in after a regime transition
//   4. Time exit              regime-specific maximum hold
//   5. Breakeven move         stop to real cost-covered breakeven
//   6. Trailing stop          ATR ratchet, regime-scaled
//
// Every stop or target write goes through one modification protocol:
// cooldown and daily cap first, freeze-level distance, broker call,
// persist on accept, rollback and reject streak on refusal.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/params"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/risk"
	"github.com/ricaherr/aethelgard/internal/store"
)

// Close reasons written to the broker and the exit audit trail.
const (
	ReasonEmergency = "EMERGENCY_MAX_DRAWDOWN"
	ReasonTimeExit  = "TIME_EXIT"

	// StrategyOrphan marks rows reconstructed from broker state.
	StrategyOrphan = "ORPHAN_SYNC"
)

// supervisionTimeframe is the regime lookup used for positions with no
// recorded timeframe, orphans above all.
const supervisionTimeframe = market.H1

// Manager drives the supervision pass.
type Manager struct {
	db       *store.Store
	conn     broker.Connector
	sizer    *risk.Sizer
	profiles *asset.Registry
	regimes  *regime.Cache
	cfg      config.PositionConfig

	mu     sync.Mutex
	synced map[string]bool // orphan tickets already adopted
}

func New(db *store.Store, conn broker.Connector, sizer *risk.Sizer, profiles *asset.Registry, regimes *regime.Cache, cfg config.PositionConfig) *Manager {
	return &Manager{
		db:       db,
		conn:     conn,
		sizer:    sizer,
		profiles: profiles,
		regimes:  regimes,
		cfg:      cfg,
		synced:   make(map[string]bool),
	}
}

// Supervise walks the broker's live book once. Per-position failures
// are logged and never stop the sweep.
func (m *Manager) Supervise(ctx context.Context, now time.Time, p params.Params) error {
	live, err := m.conn.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("live positions: %w", err)
	}
	metrics.PositionsOpen.Set(float64(len(live)))

	for _, pos := range live {
		if err := m.supervise(ctx, now, pos, p); err != nil {
			log.Warn().Err(err).
				Str("ticket", pos.Ticket).
				Str("symbol", pos.Symbol).
				Msg("⚠️ Position supervision step failed")
		}
	}
	return nil
}

func (m *Manager) supervise(ctx context.Context, now time.Time, live broker.Position, p params.Params) error {
	symbol := asset.Normalize(live.Symbol)

	// Step 1: make sure a supervised row exists.
	row, err := m.db.GetPosition(ctx, live.Ticket)
	if errors.Is(err, store.ErrNotFound) {
		row, err = m.adoptOrphan(ctx, live, symbol)
	}
	if err != nil {
		return err
	}

	// Step 2: emergency close at the drawdown cap, boundary inclusive.
	if row.InitialRisk.IsPositive() {
		limit := row.InitialRisk.Mul(decimal.NewFromFloat(m.cfg.EmergencyMultiple))
		if live.Profit.IsNegative() && live.Profit.Neg().GreaterThanOrEqual(limit) {
			log.Error().
				Str("ticket", row.Ticket).
				Str("symbol", symbol).
				Str("unrealized", live.Profit.StringFixed(2)).
				Str("limit", limit.Neg().StringFixed(2)).
				Msg("🚨 Emergency close, max drawdown reached")
			return m.conn.ClosePosition(ctx, row.Ticket, ReasonEmergency)
		}
	}

	sample, haveRegime := m.currentRegime(symbol, row.Timeframe)

	// Step 3: regime transition pulls the target to the new regime's
	// characteristic distance.
	if haveRegime {
		if err := m.regimeAdjust(ctx, now, row, sample, p); err != nil {
			return err
		}
	}

	// Step 4: time exit against the regime-specific maximum hold.
	hold := row.EntryRegime.MaxHold()
	if haveRegime {
		hold = sample.Label.MaxHold()
	}
	if age := now.Sub(row.OpenTime); age > hold {
		log.Info().
			Str("ticket", row.Ticket).
			Str("symbol", symbol).
			Dur("age", age).
			Dur("max_hold", hold).
			Msg("⏰ Time exit, position past its regime horizon")
		return m.conn.ClosePosition(ctx, row.Ticket, ReasonTimeExit)
	}

	if !haveRegime {
		log.Debug().Str("symbol", symbol).Msg("No regime sample, stop management skipped")
		return nil
	}

	tick, err := m.conn.Tick(ctx, symbol)
	if err != nil {
		return fmt.Errorf("tick %s: %w", symbol, err)
	}
	atr := decimal.NewFromFloat(sample.ATR)
	if !atr.IsPositive() {
		return nil
	}

	// Steps 5 and 6 share the profit gate: the move must exceed the ATR
	// threshold before any stop is touched.
	if err := m.breakeven(ctx, now, row, live, tick, atr, p); err != nil {
		return err
	}
	return m.trail(ctx, now, row, tick, atr, sample, p)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORPHAN SYNC
// ═══════════════════════════════════════════════════════════════════════════════

// adoptOrphan reconstructs a supervised row from broker state. Initial
// risk is estimated from the current stop distance; a stopless orphan
// is adopted at zero risk and never emergency-closed.
func (m *Manager) adoptOrphan(ctx context.Context, live broker.Position, symbol string) (*store.Position, error) {
	m.mu.Lock()
	seen := m.synced[live.Ticket]
	m.synced[live.Ticket] = true
	m.mu.Unlock()
	if seen {
		// The row vanished after an earlier adoption; leave it to the
		// closure path instead of re-estimating every cycle.
		return nil, fmt.Errorf("orphan %s already adopted, row missing", live.Ticket)
	}

	initialRisk := decimal.Zero
	if !live.StopLoss.IsZero() {
		if profile, err := m.profiles.Get(symbol); err == nil {
			dist := live.OpenPrice.Sub(live.StopLoss).Abs()
			if v, err := m.sizer.ValueAtRisk(ctx, *profile, dist, live.Volume); err == nil {
				initialRisk = v
			} else {
				log.Warn().Err(err).Str("ticket", live.Ticket).Msg("⚠️ Orphan risk estimate failed")
			}
		}
	}

	label := regime.Normal
	if sample, ok := m.regimes.Get(symbol, supervisionTimeframe); ok {
		label = sample.Label
	}

	row := &store.Position{
		Ticket:      live.Ticket,
		Symbol:      symbol,
		Direction:   live.Direction,
		Volume:      live.Volume,
		EntryPrice:  live.OpenPrice,
		StopLoss:    live.StopLoss,
		TakeProfit:  live.TakeProfit,
		OpenTime:    live.OpenTime,
		Timeframe:   supervisionTimeframe,
		EntryRegime: label,
		InitialRisk: initialRisk,
		Strategy:    StrategyOrphan,
		OrphanSync:  true,
		Status:      store.PositionOpen,
	}
	if err := m.db.UpsertPosition(ctx, row); err != nil {
		return nil, fmt.Errorf("adopt orphan %s: %w", live.Ticket, err)
	}

	log.Info().
		Str("ticket", live.Ticket).
		Str("symbol", symbol).
		Str("volume", live.Volume.String()).
		Str("estimated_risk", initialRisk.StringFixed(2)).
		Msg("🔄 Orphan position adopted")
	return row, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BRACKET MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════

// regimeAdjust tightens the target after a regime transition. Only
// targets more than a quarter beyond the new regime's ATR distance are
// pulled in, and nothing is ever widened.
func (m *Manager) regimeAdjust(ctx context.Context, now time.Time, row *store.Position, sample regime.Sample, p params.Params) error {
	if sample.Label == row.EntryRegime || row.TakeProfit.IsZero() {
		return nil
	}
	atr := decimal.NewFromFloat(sample.ATR)
	if !atr.IsPositive() {
		return nil
	}

	tick, err := m.conn.Tick(ctx, row.Symbol)
	if err != nil {
		return fmt.Errorf("tick %s: %w", row.Symbol, err)
	}
	price := tick.Bid
	if row.Direction == market.Sell {
		price = tick.Ask
	}

	target := atr.Mul(decimal.NewFromFloat(p.TrailingFor(string(sample.Label))))
	var dist decimal.Decimal
	if row.Direction == market.Buy {
		dist = row.TakeProfit.Sub(price)
	} else {
		dist = price.Sub(row.TakeProfit)
	}
	if dist.LessThanOrEqual(target.Mul(decimal.NewFromFloat(1.25))) {
		return nil
	}

	newTP := price.Add(target)
	if row.Direction == market.Sell {
		newTP = price.Sub(target)
	}
	reason := fmt.Sprintf("REGIME_%s_TO_%s", row.EntryRegime, sample.Label)
	return m.modify(ctx, now, row, tick, row.StopLoss, newTP, reason)
}

// breakeven moves the stop to the cost-covered breakeven price once
// the position has earned it: strictly positive unrealized profit, a
// minimum age, and a move past the ATR threshold.
func (m *Manager) breakeven(ctx context.Context, now time.Time, row *store.Position, live broker.Position, tick market.Tick, atr decimal.Decimal, p params.Params) error {
	if !live.Profit.IsPositive() {
		return nil
	}
	if now.Sub(row.OpenTime) < m.cfg.BreakevenMinAge {
		return nil
	}

	price := tick.Bid
	if row.Direction == market.Sell {
		price = tick.Ask
	}
	move := price.Sub(row.EntryPrice)
	if row.Direction == market.Sell {
		move = row.EntryPrice.Sub(price)
	}
	if move.LessThanOrEqual(atr.Mul(decimal.NewFromFloat(p.BreakevenATRMult))) {
		return nil
	}

	profile, err := m.profiles.Get(row.Symbol)
	if err != nil {
		return err
	}
	be, err := m.sizer.BreakevenPrice(ctx, live, *profile)
	if err != nil {
		return fmt.Errorf("breakeven price %s: %w", row.Symbol, err)
	}
	if !improves(row.Direction, row.StopLoss, be) {
		return nil
	}

	log.Info().
		Str("ticket", row.Ticket).
		Str("symbol", row.Symbol).
		Str("stop", be.String()).
		Msg("⚖️ Stop moved to real breakeven")
	return m.modify(ctx, now, row, tick, be, row.TakeProfit, "BREAKEVEN")
}

// trail ratchets the stop behind price at the regime's ATR multiple.
// The stop only ever tightens.
func (m *Manager) trail(ctx context.Context, now time.Time, row *store.Position, tick market.Tick, atr decimal.Decimal, sample regime.Sample, p params.Params) error {
	price := tick.Bid
	if row.Direction == market.Sell {
		price = tick.Ask
	}
	move := price.Sub(row.EntryPrice)
	if row.Direction == market.Sell {
		move = row.EntryPrice.Sub(price)
	}
	if move.LessThanOrEqual(atr) {
		return nil
	}

	distance := atr.Mul(decimal.NewFromFloat(p.TrailingFor(string(sample.Label))))
	newSL := price.Sub(distance)
	if row.Direction == market.Sell {
		newSL = price.Add(distance)
	}
	if !improves(row.Direction, row.StopLoss, newSL) {
		return nil
	}

	log.Debug().
		Str("ticket", row.Ticket).
		Str("symbol", row.Symbol).
		Str("stop", newSL.String()).
		Str("regime", string(sample.Label)).
		Msg("📈 Trailing stop advanced")
	return m.modify(ctx, now, row, tick, newSL, row.TakeProfit, "TRAILING")
}

// improves reports whether the candidate stop is strictly better than
// the current one for the direction. A zero current stop is always
// improved upon.
func improves(dir market.Direction, current, candidate decimal.Decimal) bool {
	if candidate.IsZero() {
		return false
	}
	if current.IsZero() {
		return true
	}
	if dir == market.Buy {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODIFICATION PROTOCOL
// ═══════════════════════════════════════════════════════════════════════════════

// modify is the single path for stop and target writes: contested
// hold-off, cooldown, daily cap, freeze distance, broker call, persist
// on accept, rollback and streak on reject.
func (m *Manager) modify(ctx context.Context, now time.Time, row *store.Position, tick market.Tick, newSL, newTP decimal.Decimal, reason string) error {
	if row.Contested {
		if now.Sub(row.UpdatedAt) < m.cfg.ModificationCool {
			log.Debug().Str("ticket", row.Ticket).Msg("Contested position, modification held")
			return nil
		}
	}
	if row.LastModified != nil && now.Sub(*row.LastModified) < m.cfg.ModificationCool {
		log.Debug().Str("ticket", row.Ticket).Str("reason", reason).Msg("Modification inside cooldown")
		return nil
	}
	day := now.UTC().Format("2006-01-02")
	if row.ModsFor(day) >= m.cfg.DailyModCap {
		log.Debug().Str("ticket", row.Ticket).Int("mods", row.ModsFor(day)).Msg("Daily modification cap reached")
		return nil
	}

	// Freeze distance: the broker refuses level changes glued to the
	// market, so a changed leg must clear the freeze level with margin.
	// Unchanged legs pass through untested.
	info, err := m.conn.SymbolInfo(ctx, row.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", row.Symbol, err)
	}
	if info.FreezeLevel.IsPositive() {
		margin := info.FreezeLevel.Mul(decimal.NewFromFloat(m.cfg.FreezeMargin))
		price := tick.Mid()
		if !newSL.Equal(row.StopLoss) && price.Sub(newSL).Abs().LessThan(margin) {
			log.Debug().Str("ticket", row.Ticket).Str("stop", newSL.String()).Msg("Stop inside freeze margin, skipped")
			return nil
		}
		if !newTP.Equal(row.TakeProfit) && price.Sub(newTP).Abs().LessThan(margin) {
			log.Debug().Str("ticket", row.Ticket).Str("target", newTP.String()).Msg("Target inside freeze margin, skipped")
			return nil
		}
	}

	err = m.conn.ModifyPosition(ctx, row.Ticket, newSL, newTP)
	if errors.Is(err, broker.ErrModifyRejected) {
		contested, rerr := m.db.RecordModifyReject(ctx, row.Ticket, row.StopLoss, row.TakeProfit, m.cfg.ContestedRejects)
		if rerr != nil {
			return fmt.Errorf("record modify reject: %w", rerr)
		}
		log.Warn().Err(err).
			Str("ticket", row.Ticket).
			Str("reason", reason).
			Msg("⚠️ Broker rejected modification, bracket rolled back")
		if contested {
			row.Contested = true
			log.Warn().Str("ticket", row.Ticket).Msg("🚫 Position contested, auto-modification paused")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("modify %s: %w", row.Ticket, err)
	}

	if err := m.db.ApplyBracket(ctx, row.Ticket, newSL, newTP, now); err != nil {
		return fmt.Errorf("persist bracket %s: %w", row.Ticket, err)
	}
	row.StopLoss = newSL
	row.TakeProfit = newTP
	row.LastModified = &now
	row.Contested = false
	metrics.PositionModifications.Inc()
	log.Info().
		Str("ticket", row.Ticket).
		Str("symbol", row.Symbol).
		Str("sl", newSL.String()).
		Str("tp", newTP.String()).
		Str("reason", reason).
		Msg("🔧 Bracket modified")
	return nil
}

// currentRegime reads the freshest sample for the position's own
// timeframe, falling back to the supervision default.
func (m *Manager) currentRegime(symbol string, tf market.Timeframe) (regime.Sample, bool) {
	if tf != "" {
		if sample, ok := m.regimes.Get(symbol, tf); ok {
			return sample, true
		}
	}
	return m.regimes.Get(symbol, supervisionTimeframe)
}
