package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// Mock generates a random walk for every subscribed symbol. Selected with
// FEED_URL=mock for local runs without a real quote stream.
type Mock struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	prices map[string]decimal.Decimal

	out chan domain.Tick
}

func NewMock(interval time.Duration, logger *slog.Logger) *Mock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Mock{
		logger:   logger.With(slog.String("component", "mock_feed")),
		interval: interval,
		prices:   make(map[string]decimal.Decimal),
		out:      make(chan domain.Tick, 1024),
	}
}

func (m *Mock) Ticks() <-chan domain.Tick { return m.out }

func (m *Mock) Subscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prices[symbol]; !ok {
		m.prices[symbol] = decimal.NewFromFloat(100 + rand.Float64()*100)
		m.logger.Info("subscribed", slog.String("symbol", symbol))
	}
	return nil
}

func (m *Mock) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prices, symbol)
	m.logger.Info("unsubscribed", slog.String("symbol", symbol))
	return nil
}

func (m *Mock) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit()
		}
	}
}

func (m *Mock) emit() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, price := range m.prices {
		step := decimal.NewFromFloat((rand.Float64() - 0.5) * 2)
		next := price.Add(step)
		if next.IsNegative() {
			next = price
		}
		m.prices[sym] = next

		select {
		case m.out <- domain.Tick{Symbol: sym, Price: next, At: now}:
		default:
		}
	}
}
