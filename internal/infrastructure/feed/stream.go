// Package feed implements the price tick feed boundary: a websocket
// client for a real quote stream and a mock generator for local runs.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/stockwatch/alert-engine/internal/domain"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 20 * time.Second
)

// Stream is a websocket quote client. It keeps the set of subscribed
// symbols so a reconnect restores the session, and fans ticks into a
// non-blocking channel (a full channel drops the stale tick, a fresher
// one is already on the way).
type Stream struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	subsMu sync.RWMutex
	subs   map[string]struct{}

	out chan domain.Tick
}

func NewStream(url string, logger *slog.Logger) *Stream {
	return &Stream{
		url:    url,
		logger: logger.With(slog.String("component", "tick_feed")),
		subs:   make(map[string]struct{}),
		out:    make(chan domain.Tick, 1024),
	}
}

func (s *Stream) Ticks() <-chan domain.Tick { return s.out }

// Subscribe registers a symbol and, when connected, asks the feed to
// start streaming it. While disconnected the symbol is still recorded
// and picked up by the next (re)connect.
func (s *Stream) Subscribe(symbol string) error {
	s.subsMu.Lock()
	_, exists := s.subs[symbol]
	s.subs[symbol] = struct{}{}
	s.subsMu.Unlock()

	if exists {
		return nil
	}
	return s.sendOp("subscribe", []string{symbol})
}

func (s *Stream) Unsubscribe(symbol string) error {
	s.subsMu.Lock()
	_, exists := s.subs[symbol]
	delete(s.subs, symbol)
	s.subsMu.Unlock()

	if !exists {
		return nil
	}
	return s.sendOp("unsubscribe", []string{symbol})
}

// Run maintains the connection until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	for {
		if err := s.connectAndListen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("connection lost or failed", slog.String("err", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) connectAndListen(ctx context.Context) error {
	s.logger.Info("connecting to tick feed", slog.String("url", s.url))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	// Restore the session: resubscribe everything we are supposed to watch.
	s.subsMu.RLock()
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.subsMu.RUnlock()

	if len(symbols) > 0 {
		if err := s.sendOp("subscribe", symbols); err != nil {
			return err
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(connCtx)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		s.handleMessage(message)
	}
}

// wsTickerEvent matches the feed's ticker push message.
type wsTickerEvent struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol    string          `json:"symbol"`
		LastPrice decimal.Decimal `json:"lastPrice"`
		Timestamp int64           `json:"timestamp"` // epoch millis, optional
	} `json:"data"`
}

func (s *Stream) handleMessage(message []byte) {
	var rawMsg map[string]json.RawMessage
	if err := json.Unmarshal(message, &rawMsg); err != nil {
		return
	}
	// Acks for subscribe/unsubscribe/ping carry an "op" field.
	if _, ok := rawMsg["op"]; ok {
		return
	}

	var event wsTickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return
	}
	if event.Topic == "" || len(event.Data) == 0 {
		return
	}

	for _, data := range event.Data {
		at := time.Now()
		if data.Timestamp > 0 {
			at = time.UnixMilli(data.Timestamp)
		}

		tick := domain.Tick{
			Symbol: data.Symbol,
			Price:  data.LastPrice,
			At:     at,
		}

		select {
		case s.out <- tick:
		default:
		}
	}
}

func (s *Stream) sendOp(op string, symbols []string) error {
	args := make([]string, len(symbols))
	for i, sym := range symbols {
		args[i] = "tickers." + sym
	}

	req := map[string]interface{}{
		"op":   op,
		"args": args,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		// Not connected; the session restore on reconnect covers it.
		return nil
	}
	return s.conn.WriteJSON(req)
}

func (s *Stream) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				if err := s.conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					s.logger.Warn("ping failed", slog.String("err", err.Error()))
				}
			}
			s.mu.Unlock()
		}
	}
}
