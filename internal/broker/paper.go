package broker

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER CONNECTOR - In-memory broker for dry runs
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fills at the live tick from the data provider, tracks positions and
// balance in memory, and emits ClosedTradeEvents when price crosses a
// stop or target (checked lazily on each OpenPositions poll). Prices
// are assumed to be quoted in the account currency.
//
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
)

// Paper is the built-in simulated connector.
type Paper struct {
	name     string
	provider market.DataProvider
	currency string

	mu         sync.Mutex
	balance    decimal.Decimal
	positions  map[string]*Position
	infos      map[string]SymbolInfo
	closed     []ClosedTradeEvent
	nextTicket int64

	events chan ClosedTradeEvent
}

func NewPaper(provider market.DataProvider, startBalance decimal.Decimal, currency string) *Paper {
	return &Paper{
		name:       "paper",
		provider:   provider,
		currency:   currency,
		balance:    startBalance,
		positions:  make(map[string]*Position),
		infos:      make(map[string]SymbolInfo),
		nextTicket: 5000000,
		events:     make(chan ClosedTradeEvent, 64),
	}
}

// SeedSymbol registers the broker-side constants for a symbol. Paper
// has no real symbol universe, so the caller seeds it from the asset
// profiles at startup.
func (p *Paper) SeedSymbol(info SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos[info.Symbol] = info
}

func (p *Paper) Name() string { return p.name }

func (p *Paper) Initialize(ctx context.Context) error {
	log.Info().Str("connector", p.name).Str("currency", p.currency).Msg("🔌 Paper broker ready")
	return nil
}

func (p *Paper) Shutdown(context.Context) error {
	close(p.events)
	return nil
}

func (p *Paper) SymbolInfo(_ context.Context, symbol string) (SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.infos[symbol]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return info, nil
}

func (p *Paper) EnsureVisible(_ context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.infos[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	info.Visible = true
	p.infos[symbol] = info
	return nil
}

func (p *Paper) Tick(ctx context.Context, symbol string) (market.Tick, error) {
	return p.provider.LastTick(ctx, symbol)
}

// OpenPositions returns the live book. Before answering it sweeps for
// stop/target hits so paper positions close the way broker-side ones
// would.
func (p *Paper) OpenPositions(ctx context.Context) ([]Position, error) {
	p.sweep(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if tick, err := p.provider.LastTick(ctx, pos.Symbol); err == nil {
			cp.Profit = p.unrealized(pos, tick)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (p *Paper) ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	tick, err := p.provider.LastTick(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: no tick for %s: %v", ErrBrokerUnavailable, req.Symbol, err)
	}

	fill := tick.Ask
	if req.Direction == market.Sell {
		fill = tick.Bid
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextTicket++
	ticket := fmt.Sprintf("%d", p.nextTicket)
	p.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   time.Now().UTC(),
		Comment:    req.Comment,
	}
	return OrderResult{Ticket: ticket, Price: fill}, nil
}

func (p *Paper) ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) error {
	p.mu.Lock()
	pos, ok := p.positions[ticket]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: ticket %s not open", ErrModifyRejected, ticket)
	}
	symbol := pos.Symbol
	freeze := p.infos[symbol].FreezeLevel
	p.mu.Unlock()

	// Freeze-level check against the live price, like a real server.
	if freeze.IsPositive() {
		live, err := p.provider.LastTick(ctx, symbol)
		if err == nil {
			price := live.Mid()
			if !sl.IsZero() && price.Sub(sl).Abs().LessThan(freeze) {
				return fmt.Errorf("%w: stop inside freeze level", ErrModifyRejected)
			}
			if !tp.IsZero() && price.Sub(tp).Abs().LessThan(freeze) {
				return fmt.Errorf("%w: target inside freeze level", ErrModifyRejected)
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok = p.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: ticket %s not open", ErrModifyRejected, ticket)
	}
	if !sl.IsZero() {
		pos.StopLoss = sl
	}
	if !tp.IsZero() {
		pos.TakeProfit = tp
	}
	return nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket, reason string) error {
	p.mu.Lock()
	pos, ok := p.positions[ticket]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: ticket %s not open", ErrOrderRejected, ticket)
	}

	tick, err := p.provider.LastTick(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("%w: no tick for %s: %v", ErrBrokerUnavailable, pos.Symbol, err)
	}
	exit := tick.Bid
	if pos.Direction == market.Sell {
		exit = tick.Ask
	}
	p.settle(pos, exit, reason)
	return nil
}

func (p *Paper) ReconcileClosedTrades(_ context.Context, since time.Time) ([]ClosedTradeEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ClosedTradeEvent
	for _, ev := range p.closed {
		if ev.ExitTime.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (p *Paper) Events() <-chan ClosedTradeEvent { return p.events }

func (p *Paper) AccountInfo(ctx context.Context) (AccountInfo, error) {
	p.mu.Lock()
	positions := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, pos)
	}
	balance := p.balance
	p.mu.Unlock()

	equity := balance
	for _, pos := range positions {
		if tick, err := p.provider.LastTick(ctx, pos.Symbol); err == nil {
			equity = equity.Add(p.unrealized(pos, tick))
		}
	}
	return AccountInfo{Equity: equity, Balance: balance, Currency: p.currency}, nil
}

// sweep closes any position whose stop or target the market crossed.
func (p *Paper) sweep(ctx context.Context) {
	p.mu.Lock()
	open := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		open = append(open, pos)
	}
	p.mu.Unlock()

	for _, pos := range open {
		tick, err := p.provider.LastTick(ctx, pos.Symbol)
		if err != nil {
			continue
		}
		switch pos.Direction {
		case market.Buy:
			if !pos.StopLoss.IsZero() && tick.Bid.LessThanOrEqual(pos.StopLoss) {
				p.settle(pos, pos.StopLoss, "SL_HIT")
			} else if !pos.TakeProfit.IsZero() && tick.Bid.GreaterThanOrEqual(pos.TakeProfit) {
				p.settle(pos, pos.TakeProfit, "TP_HIT")
			}
		case market.Sell:
			if !pos.StopLoss.IsZero() && tick.Ask.GreaterThanOrEqual(pos.StopLoss) {
				p.settle(pos, pos.StopLoss, "SL_HIT")
			} else if !pos.TakeProfit.IsZero() && tick.Ask.LessThanOrEqual(pos.TakeProfit) {
				p.settle(pos, pos.TakeProfit, "TP_HIT")
			}
		}
	}
}

// settle removes the position, books the PnL and emits the close event.
func (p *Paper) settle(pos *Position, exit decimal.Decimal, reason string) {
	p.mu.Lock()
	if _, still := p.positions[pos.Ticket]; !still {
		p.mu.Unlock()
		return
	}
	delete(p.positions, pos.Ticket)

	info := p.infos[pos.Symbol]
	contract := info.ContractSize
	if contract.IsZero() {
		contract = decimal.NewFromInt(1)
	}
	move := exit.Sub(pos.OpenPrice).Mul(decimal.NewFromInt(int64(pos.Direction.Sign())))
	pnl := move.Mul(pos.Volume).Mul(contract)
	p.balance = p.balance.Add(pnl)

	var pips decimal.Decimal
	if info.TickSize.IsPositive() {
		pips = move.Div(info.TickSize)
	}

	ev := ClosedTradeEvent{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Volume:     pos.Volume,
		Entry:      pos.OpenPrice,
		Exit:       exit,
		EntryTime:  pos.OpenTime,
		ExitTime:   time.Now().UTC(),
		Pips:       pips,
		PnL:        pnl,
		Result:     ClassifyPnL(pnl, decimal.NewFromFloat(0.01)),
		ExitReason: reason,
		BrokerID:   p.name,
	}
	p.closed = append(p.closed, ev)
	p.mu.Unlock()

	log.Info().
		Str("ticket", ev.Ticket).
		Str("symbol", ev.Symbol).
		Str("result", string(ev.Result)).
		Str("pnl", pnl.StringFixed(2)).
		Str("reason", reason).
		Msg("📉 Paper position closed")

	select {
	case p.events <- ev:
	default:
		log.Warn().Str("ticket", ev.Ticket).Msg("Paper close event dropped, queue full")
	}
}

// unrealized values a position at the given tick, in account currency.
func (p *Paper) unrealized(pos *Position, tick market.Tick) decimal.Decimal {
	mark := tick.Bid
	if pos.Direction == market.Sell {
		mark = tick.Ask
	}
	info := p.infos[pos.Symbol]
	contract := info.ContractSize
	if contract.IsZero() {
		contract = decimal.NewFromInt(1)
	}
	move := mark.Sub(pos.OpenPrice).Mul(decimal.NewFromInt(int64(pos.Direction.Sign())))
	return move.Mul(pos.Volume).Mul(contract)
}
