package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureNotifier) Notify(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestFanoutDelivers(t *testing.T) {
	f := NewFanout(8)
	cap1 := &captureNotifier{}
	cap2 := &captureNotifier{}
	f.Add(cap1)
	f.Add(cap2)
	f.Start()
	defer f.Stop()

	f.Notify(context.Background(), Event{Kind: KindSignalEmitted, Symbol: "EURUSD"})

	require.Eventually(t, func() bool {
		return cap1.count() == 1 && cap2.count() == 1
	}, time.Second, 10*time.Millisecond)

	cap1.mu.Lock()
	defer cap1.mu.Unlock()
	assert.Equal(t, KindSignalEmitted, cap1.events[0].Kind)
	assert.False(t, cap1.events[0].At.IsZero(), "timestamp filled in")
}

func TestFanoutDropsWhenFull(t *testing.T) {
	f := NewFanout(1)
	// Not started: nothing drains the queue.
	f.Notify(context.Background(), Event{Kind: KindTradeClosed})
	f.Notify(context.Background(), Event{Kind: KindTradeClosed})
	f.Notify(context.Background(), Event{Kind: KindTradeClosed})

	assert.Equal(t, int64(2), f.Dropped())
}

func TestFuncAdapter(t *testing.T) {
	var got Event
	n := Func(func(_ context.Context, ev Event) { got = ev })
	n.Notify(context.Background(), Event{Kind: KindLockdown, Symbol: "XAUUSD"})
	assert.Equal(t, KindLockdown, got.Kind)
	assert.Equal(t, "XAUUSD", got.Symbol)
}
