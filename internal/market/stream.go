package market

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StreamConfig configures the live tick stream.
type StreamConfig struct {
	URL      string   // e.g. wss://stream.example.com:9443/ws
	Symbols  []string // canonical symbols to subscribe
	MaxAge   time.Duration
	AliasFor func(string) string // canonical → stream symbol
}

// Stream maintains a websocket subscription to book-ticker updates and
// caches the latest tick per symbol. On read errors it reconnects with
// backoff until stopped.
type Stream struct {
	cfg     StreamConfig
	conn    *websocket.Conn
	mu      sync.RWMutex
	ticks   map[string]Tick
	symFor  map[string]string // stream symbol → canonical
	running bool
	stopCh  chan struct{}
}

// NewStream creates a stream for the given symbols. MaxAge defaults to
// 30 s; older cached ticks are treated as missing.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	alias := cfg.AliasFor
	if alias == nil {
		alias = func(s string) string { return s }
	}
	symFor := make(map[string]string, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symFor[strings.ToUpper(alias(s))] = s
	}
	return &Stream{
		cfg:    cfg,
		ticks:  make(map[string]Tick),
		symFor: symFor,
		stopCh: make(chan struct{}),
	}
}

// Start connects and begins streaming in the background.
func (s *Stream) Start() {
	s.running = true
	go s.run()
	log.Info().Int("symbols", len(s.cfg.Symbols)).Msg("🔌 Tick stream started")
}

// Stop closes the connection and halts reconnects.
func (s *Stream) Stop() {
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

// Tick returns the cached tick for a canonical symbol, if fresh enough.
func (s *Stream) Tick(symbol string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	if !ok || time.Since(t.Time) > s.cfg.MaxAge {
		return Tick{}, false
	}
	return t, true
}

func (s *Stream) run() {
	for s.running {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Tick stream connect failed")
			select {
			case <-time.After(5 * time.Second):
			case <-s.stopCh:
				return
			}
			continue
		}

		s.readMessages()

		if s.running {
			log.Warn().Msg("Tick stream disconnected, reconnecting...")
			time.Sleep(time.Second)
		}
	}
}

func (s *Stream) connect() error {
	streams := make([]string, 0, len(s.symFor))
	for streamSym := range s.symFor {
		streams = append(streams, strings.ToLower(streamSym)+"@bookTicker")
	}
	url := fmt.Sprintf("%s/%s", s.cfg.URL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *Stream) readMessages() {
	for s.running {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.running {
				log.Error().Err(err).Msg("Tick stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	streamSym, _ := msg["s"].(string)
	canonical, ok := s.symFor[strings.ToUpper(streamSym)]
	if !ok {
		return
	}
	bidStr, _ := msg["b"].(string)
	askStr, _ := msg["a"].(string)
	bid, _ := decimal.NewFromString(bidStr)
	ask, _ := decimal.NewFromString(askStr)
	if bid.IsZero() && ask.IsZero() {
		return
	}

	s.mu.Lock()
	s.ticks[canonical] = Tick{
		Symbol: canonical,
		Bid:    bid,
		Ask:    ask,
		Time:   time.Now().UTC(),
	}
	s.mu.Unlock()
}
