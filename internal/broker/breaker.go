package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/ricaherr/aethelgard/internal/market"
)

// BreakerConfig tunes the circuit wrapped around a live connector.
type BreakerConfig struct {
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // failure counting window
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // calls required before tripping
	FailureRatio float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// breakerConnector fails fast with ErrBrokerUnavailable while the
// circuit is open, so a dead broker costs one error instead of a
// timeout per call.
type breakerConnector struct {
	inner Connector
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps a connector in a circuit breaker. Order, modify
// and close rejections count as broker answers, not failures; only
// transport-level errors feed the trip ratio.
func WithBreaker(inner Connector, cfg BreakerConfig) Connector {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// The broker answered; only transport failures count.
			return errors.Is(err, ErrOrderRejected) ||
				errors.Is(err, ErrModifyRejected) ||
				errors.Is(err, ErrUnknownSymbol)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			evt := log.Warn().Str("connector", name).Str("from", from.String()).Str("to", to.String())
			if to == gobreaker.StateClosed {
				evt = log.Info().Str("connector", name).Str("from", from.String()).Str("to", to.String())
			}
			evt.Msg("🔌 Broker circuit state change")
		},
	})
	return &breakerConnector{inner: inner, cb: cb}
}

// call runs fn through the breaker and maps the open-circuit error to
// the transient taxonomy.
func (b *breakerConnector) call(fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrBrokerUnavailable, b.inner.Name())
	}
	return out, err
}

func (b *breakerConnector) Name() string { return b.inner.Name() }

func (b *breakerConnector) Initialize(ctx context.Context) error {
	_, err := b.call(func() (interface{}, error) { return nil, b.inner.Initialize(ctx) })
	return err
}

func (b *breakerConnector) Shutdown(ctx context.Context) error {
	// Shutdown bypasses the breaker; a tripped circuit must not stop
	// the drain.
	return b.inner.Shutdown(ctx)
}

func (b *breakerConnector) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.SymbolInfo(ctx, symbol) })
	if err != nil {
		return SymbolInfo{}, err
	}
	return out.(SymbolInfo), nil
}

func (b *breakerConnector) EnsureVisible(ctx context.Context, symbol string) error {
	_, err := b.call(func() (interface{}, error) { return nil, b.inner.EnsureVisible(ctx, symbol) })
	return err
}

func (b *breakerConnector) Tick(ctx context.Context, symbol string) (market.Tick, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.Tick(ctx, symbol) })
	if err != nil {
		return market.Tick{}, err
	}
	return out.(market.Tick), nil
}

func (b *breakerConnector) OpenPositions(ctx context.Context) ([]Position, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.OpenPositions(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]Position), nil
}

func (b *breakerConnector) ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.ExecuteOrder(ctx, req) })
	if err != nil {
		return OrderResult{}, err
	}
	return out.(OrderResult), nil
}

func (b *breakerConnector) ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) error {
	_, err := b.call(func() (interface{}, error) { return nil, b.inner.ModifyPosition(ctx, ticket, sl, tp) })
	return err
}

func (b *breakerConnector) ClosePosition(ctx context.Context, ticket, reason string) error {
	_, err := b.call(func() (interface{}, error) { return nil, b.inner.ClosePosition(ctx, ticket, reason) })
	return err
}

func (b *breakerConnector) ReconcileClosedTrades(ctx context.Context, since time.Time) ([]ClosedTradeEvent, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.ReconcileClosedTrades(ctx, since) })
	if err != nil {
		return nil, err
	}
	return out.([]ClosedTradeEvent), nil
}

func (b *breakerConnector) Events() <-chan ClosedTradeEvent { return b.inner.Events() }

func (b *breakerConnector) AccountInfo(ctx context.Context) (AccountInfo, error) {
	out, err := b.call(func() (interface{}, error) { return b.inner.AccountInfo(ctx) })
	if err != nil {
		return AccountInfo{}, err
	}
	return out.(AccountInfo), nil
}
