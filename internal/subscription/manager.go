// Package subscription keeps the tick feed's symbol set in line with the
// registry: a symbol is subscribed while it has at least one active alert.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// SymbolSource is the authoritative view of which symbols currently need
// ticks. The registry implements it.
type SymbolSource interface {
	Symbols() []string
}

// Manager reconciles the feed against the source's symbol set. The edge
// hooks are pure wakeups: every pass re-reads the full set from the
// source, so a coalesced or missed wakeup delays convergence by at most
// one retry tick and can never lose a symbol. Rapid add/remove bursts
// net out to at most one feed call per symbol.
type Manager struct {
	feed       domain.TickFeed
	source     SymbolSource
	logger     *slog.Logger
	retryDelay time.Duration

	kick chan struct{}

	// loop-owned
	subscribed map[string]struct{}
}

func NewManager(feed domain.TickFeed, source SymbolSource, retryDelay time.Duration, logger *slog.Logger) *Manager {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Manager{
		feed:       feed,
		source:     source,
		logger:     logger.With(slog.String("component", "subscriptions")),
		retryDelay: retryDelay,
		kick:       make(chan struct{}, 1),
		subscribed: make(map[string]struct{}),
	}
}

// OnSymbolActivated wakes the reconcile loop after a 0->1 transition of
// a symbol's alert count. Never blocks, so it is safe to call from
// inside registry critical sections.
func (m *Manager) OnSymbolActivated(string) { m.wake() }

// OnSymbolDeactivated wakes the loop after a 1->0 transition.
func (m *Manager) OnSymbolDeactivated(string) { m.wake() }

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
		// A pass is already pending; it reads the latest set anyway.
	}
}

// Run reconciles until ctx is cancelled. Failed subscribes are retried
// on the next pass; failed unsubscribes are logged and forgotten (stray
// ticks for a symbol with no alerts are ignored cheaply by the
// evaluator).
func (m *Manager) Run(ctx context.Context) {
	retry := time.NewTicker(m.retryDelay)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.reconcile()
		case <-retry.C:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	wanted := make(map[string]struct{})
	for _, sym := range m.source.Symbols() {
		wanted[sym] = struct{}{}
	}

	for sym := range wanted {
		if _, ok := m.subscribed[sym]; ok {
			continue
		}
		if err := m.feed.Subscribe(sym); err != nil {
			m.logger.Warn("subscribe failed, will retry",
				slog.String("symbol", sym), slog.String("err", err.Error()))
			continue
		}
		m.subscribed[sym] = struct{}{}
		m.logger.Info("subscribed", slog.String("symbol", sym))
	}

	for sym := range m.subscribed {
		if _, ok := wanted[sym]; ok {
			continue
		}
		if err := m.feed.Unsubscribe(sym); err != nil {
			m.logger.Warn("unsubscribe failed",
				slog.String("symbol", sym), slog.String("err", err.Error()))
		}
		delete(m.subscribed, sym)
		m.logger.Info("unsubscribed", slog.String("symbol", sym))
	}
}
