package market

import (
	"context"
	"errors"
)

// ErrNoData is returned when the provider has no bars or ticks for the
// requested symbol. Callers treat it as a per-symbol failure, not a
// provider outage.
var ErrNoData = errors.New("market: no data for symbol")

// DataProvider supplies candles and ticks to the scanner. Implementations
// must honor the context deadline; the scanner abandons calls that
// overrun its per-task timeout and retries on the next cycle.
type DataProvider interface {
	// Bars returns up to n most recent closed candles, oldest first.
	Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error)
	// LastTick returns the freshest top-of-book snapshot.
	LastTick(ctx context.Context, symbol string) (Tick, error)
}

// TickFirst layers a websocket tick cache over a REST provider: ticks
// come from the stream while its cache is fresh, everything else falls
// through to rest. Bars always come from rest.
func TickFirst(rest DataProvider, stream *Stream) DataProvider {
	return &tickFirst{rest: rest, stream: stream}
}

type tickFirst struct {
	rest   DataProvider
	stream *Stream
}

func (t *tickFirst) Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error) {
	return t.rest.Bars(ctx, symbol, tf, n)
}

func (t *tickFirst) LastTick(ctx context.Context, symbol string) (Tick, error) {
	if tick, ok := t.stream.Tick(symbol); ok {
		return tick, nil
	}
	return t.rest.LastTick(ctx, symbol)
}
