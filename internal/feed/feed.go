package feed

import (
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

const (
	topicCryptoPrices = "crypto_prices"

	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 20 * time.Second
	reconnectFactor    = 1.8
	pingInterval       = 5 * time.Second
	inactivityTimeout  = 20 * time.Second
)

// Reading is one live price observation.
type Reading struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Feed maintains the live price stream. A single goroutine owns the
// connection and is the only writer into the price map; everyone else reads
// through Snapshot.
type Feed struct {
	mu sync.RWMutex

	wsURL   string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Normalized symbols worth keeping; everything else is dropped.
	targets map[string]struct{}

	prices map[string]Reading
}

func New(wsURL string, targetSymbols []string) *Feed {
	targets := make(map[string]struct{}, len(targetSymbols))
	for _, s := range targetSymbols {
		targets[market.NormalizeSymbol(s)] = struct{}{}
	}
	return &Feed{
		wsURL:   wsURL,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		targets: targets,
		prices:  make(map[string]Reading),
	}
}

// Start begins the connection loop.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Live feed started")
}

// Stop closes the connection loop and waits for it to drain.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
	log.Info().Msg("Live feed stopped")
}

// Snapshot returns the freshest reading for a normalized symbol.
func (f *Feed) Snapshot(symbol string) (decimal.Decimal, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.prices[market.NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Decimal{}, time.Time{}, false
	}
	return r.Price, r.ObservedAt, true
}

func (f *Feed) connectionLoop() {
	defer close(f.doneCh)

	delay := reconnectBaseDelay
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		established, err := f.runConnection()
		if established {
			// A connection that got past the subscribe restarts the
			// backoff from the base delay.
			delay = reconnectBaseDelay
		}
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Live feed reconnecting")
		}

		jitter := time.Duration(rand.Int63n(int64(600 * time.Millisecond)))
		select {
		case <-f.stopCh:
			return
		case <-time.After(delay + jitter):
		}
		if !established {
			delay = time.Duration(float64(delay) * reconnectFactor)
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

type feedMessage struct {
	Topic   string `json:"topic"`
	Payload struct {
		Symbol    string   `json:"symbol"`
		Value     *float64 `json:"value"`
		Timestamp *int64   `json:"timestamp"`
	} `json:"payload"`
}

// runConnection dials, subscribes and consumes one connection until it
// drops. The bool reports whether the subscribe went through.
func (f *Feed) runConnection() (bool, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, _, err := dialer.Dial(f.wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": topicCryptoPrices, "type": "update"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, err
	}
	log.Info().Msg("Live feed connected")

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		for {
			select {
			case <-pingDone:
				return
			case <-f.stopCh:
				return
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		select {
		case <-f.stopCh:
			return true, nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "PING") {
			conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
			continue
		}
		if strings.EqualFold(text, "PONG") {
			continue
		}

		var msg feedMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			continue
		}
		if msg.Topic != topicCryptoPrices || msg.Payload.Symbol == "" || msg.Payload.Value == nil {
			continue
		}
		symbol := market.NormalizeSymbol(msg.Payload.Symbol)
		if _, ok := f.targets[symbol]; !ok {
			continue
		}

		observed := time.Now().UTC()
		if msg.Payload.Timestamp != nil {
			observed = time.UnixMilli(*msg.Payload.Timestamp).UTC()
		}

		f.mu.Lock()
		f.prices[symbol] = Reading{
			Price:      decimal.NewFromFloat(*msg.Payload.Value),
			ObservedAt: observed,
		}
		f.mu.Unlock()
	}
}
