package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/market"
)

// Transient broker failures. Callers retry on the next cycle rather
// than crash.
var (
	// ErrBrokerUnavailable wraps transport failures and the open
	// breaker state.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnknownSymbol means the broker does not quote the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrOrderRejected means the broker refused the order itself.
	ErrOrderRejected = errors.New("order rejected")

	// ErrModifyRejected means the broker refused an SL/TP change.
	ErrModifyRejected = errors.New("modification rejected")
)

// Connector is the contract every broker implementation supplies.
// Implementations map their native wire format to these types; the
// pipeline never sees broker SDK details.
type Connector interface {
	// Name identifies the connector in config and logs.
	Name() string

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// SymbolInfo reads the broker-side constants for one symbol.
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// EnsureVisible adds the symbol to the broker's active set.
	EnsureVisible(ctx context.Context, symbol string) error

	// Tick returns the live bid/ask within a bounded timeout.
	Tick(ctx context.Context, symbol string) (market.Tick, error)

	// OpenPositions is the live view, the authority for duplicate
	// checks.
	OpenPositions(ctx context.Context) ([]Position, error)

	ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) error
	ClosePosition(ctx context.Context, ticket, reason string) error

	// ReconcileClosedTrades replays closes since the given time; used
	// at startup and after reconnects.
	ReconcileClosedTrades(ctx context.Context, since time.Time) ([]ClosedTradeEvent, error)

	// Events streams close events when the broker supports push.
	// Connectors without push return a nil channel.
	Events() <-chan ClosedTradeEvent

	AccountInfo(ctx context.Context) (AccountInfo, error)
}

// Registry holds the configured connectors by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[c.Name()]; ok {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
