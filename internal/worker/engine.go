// Package worker assembles the alert engine's components and runs them
// as one long-lived worker.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stockwatch/alert-engine/internal/changesync"
	"github.com/stockwatch/alert-engine/internal/dispatch"
	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/evaluator"
	"github.com/stockwatch/alert-engine/internal/registry"
	"github.com/stockwatch/alert-engine/internal/subscription"
)

type Engine struct {
	registry   *registry.Registry
	subs       *subscription.Manager
	eval       *evaluator.Evaluator
	dispatcher *dispatch.Dispatcher
	syncer     *changesync.Syncer
	feed       domain.TickFeed
	logger     *slog.Logger
}

func NewEngine(
	reg *registry.Registry,
	subs *subscription.Manager,
	eval *evaluator.Evaluator,
	dispatcher *dispatch.Dispatcher,
	syncer *changesync.Syncer,
	feed domain.TickFeed,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry:   reg,
		subs:       subs,
		eval:       eval,
		dispatcher: dispatcher,
		syncer:     syncer,
		feed:       feed,
		logger:     logger,
	}
}

// Run bootstraps from the durable store, then serves until ctx is
// cancelled. The bootstrap error is fatal: without a snapshot the engine
// would silently evaluate against an empty alert set.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.syncer.Bootstrap(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			e.logger.Debug("subsystem stopped", slog.String("subsystem", name))
		}()
	}

	run("subscriptions", e.subs.Run)
	run("dispatcher", e.dispatcher.Run)
	run("evaluator", e.eval.Run)
	run("tick_feed", e.feed.Run)
	run("changesync", e.syncer.Run)
	run("tick_pump", e.pumpTicks)

	e.logger.Info("alert engine running", slog.Int("alerts", e.registry.Len()))

	<-ctx.Done()
	wg.Wait()
	e.logger.Info("alert engine stopped")
	return nil
}

func (e *Engine) pumpTicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.feed.Ticks():
			e.eval.OnTick(tick)
		}
	}
}
