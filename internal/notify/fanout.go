package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Fanout dispatches events to every registered transport through a
// bounded queue. When the queue is full the event is dropped and
// counted; a slow transport can never stall a scanner cycle.
type Fanout struct {
	mu        sync.RWMutex
	targets   []Notifier
	queue     chan Event
	dropped   int64
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// NewFanout creates a dispatcher with the given queue depth.
func NewFanout(depth int) *Fanout {
	if depth <= 0 {
		depth = 256
	}
	return &Fanout{
		queue:  make(chan Event, depth),
		stopCh: make(chan struct{}),
	}
}

// Add registers a transport.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, n)
}

// Start launches the delivery goroutine.
func (f *Fanout) Start() {
	f.startOnce.Do(func() {
		go f.deliver()
	})
}

// Stop halts delivery after draining what is already queued.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Notify enqueues the event, dropping it when the queue is full.
func (f *Fanout) Notify(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case f.queue <- ev:
	default:
		f.mu.Lock()
		f.dropped++
		n := f.dropped
		f.mu.Unlock()
		log.Warn().Int64("dropped", n).Str("kind", string(ev.Kind)).Msg("Notification queue full, event dropped")
	}
}

// Dropped returns how many events were lost to backpressure.
func (f *Fanout) Dropped() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *Fanout) deliver() {
	for {
		select {
		case ev := <-f.queue:
			f.mu.RLock()
			targets := make([]Notifier, len(f.targets))
			copy(targets, f.targets)
			f.mu.RUnlock()
			for _, t := range targets {
				t.Notify(context.Background(), ev)
			}
		case <-f.stopCh:
			// Drain what is left, then exit.
			for {
				select {
				case ev := <-f.queue:
					f.mu.RLock()
					targets := make([]Notifier, len(f.targets))
					copy(targets, f.targets)
					f.mu.RUnlock()
					for _, t := range targets {
						t.Notify(context.Background(), ev)
					}
				default:
					return
				}
			}
		}
	}
}

// LogNotifier writes events to the structured log. It is the transport
// that always ships with the core.
type LogNotifier struct{}

// Notify logs the event with its fields.
func (LogNotifier) Notify(_ context.Context, ev Event) {
	entry := log.Info()
	msg := ev.Message
	switch ev.Kind {
	case KindLockdown, KindCoherenceFault, KindHeartbeatLost:
		entry = log.Warn()
		msg = "🚨 " + msg
	}
	entry = entry.
		Str("kind", string(ev.Kind)).
		Str("trace_id", ev.TraceID).
		Str("symbol", ev.Symbol)
	for k, v := range ev.Fields {
		entry = entry.Str(k, v)
	}
	entry.Msg(msg)
}
