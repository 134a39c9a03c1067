// Package notify carries operational events out of the pipeline. The
// core only knows the Notifier interface; concrete transports (chat,
// email, webhooks) are injected from outside and must never block the
// trading path.
package notify

import (
	"context"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindSignalEmitted  Kind = "SIGNAL_EMITTED"
	KindTradeExecuted  Kind = "TRADE_EXECUTED"
	KindTradeClosed    Kind = "TRADE_CLOSED"
	KindLockdown       Kind = "LOCKDOWN"
	KindCoherenceFault Kind = "COHERENCE_FAULT"
	KindHeartbeatLost  Kind = "HEARTBEAT_LOST"
)

// Event is one notification.
type Event struct {
	Kind    Kind
	TraceID string
	Symbol  string
	Message string
	Fields  map[string]string
	At      time.Time
}

// Notifier delivers events. Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, ev Event)

func (f Func) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
