// Package evaluator checks incoming ticks against the active alerts for
// the tick's symbol and hands fired alerts to the dispatcher.
package evaluator

import (
	"context"
	"hash/fnv"
	"log/slog"

	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/metrics"
	"github.com/stockwatch/alert-engine/internal/registry"
)

// Sink accepts fired-alert tasks. Enqueue must never block.
type Sink interface {
	Enqueue(task domain.NotificationTask)
}

// Evaluator routes each tick to a lane chosen by symbol hash: ticks for
// one symbol are always evaluated in arrival order on the same lane,
// while different symbols proceed in parallel. Evaluation itself does no
// I/O, so a lane can never stall on a slow store or notifier.
type Evaluator struct {
	reg     *registry.Registry
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Set

	lanes []chan domain.Tick
}

func New(reg *registry.Registry, sink Sink, laneCount int, m *metrics.Set, logger *slog.Logger) *Evaluator {
	if laneCount <= 0 {
		laneCount = 4
	}
	lanes := make([]chan domain.Tick, laneCount)
	for i := range lanes {
		lanes[i] = make(chan domain.Tick, 256)
	}
	return &Evaluator{
		reg:     reg,
		sink:    sink,
		logger:  logger.With(slog.String("component", "evaluator")),
		metrics: m,
		lanes:   lanes,
	}
}

// Run starts the lane workers and blocks until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	done := make(chan struct{}, len(e.lanes))
	for _, lane := range e.lanes {
		go func(lane <-chan domain.Tick) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case tick := <-lane:
					e.Process(tick)
				}
			}
		}(lane)
	}
	for range e.lanes {
		<-done
	}
}

// OnTick routes a tick to its lane without blocking. When a lane is full
// the tick is dropped: a fresher price for the same symbol is already on
// the way, and threshold checks are stateless.
func (e *Evaluator) OnTick(tick domain.Tick) {
	h := fnv.New32a()
	h.Write([]byte(tick.Symbol))
	lane := e.lanes[h.Sum32()%uint32(len(e.lanes))]

	select {
	case lane <- tick:
	default:
		e.metrics.TicksDropped.Inc()
	}
}

// Process evaluates one tick synchronously.
func (e *Evaluator) Process(tick domain.Tick) {
	e.metrics.TicksEvaluated.Inc()

	alerts := e.reg.ActiveForSymbol(tick.Symbol)
	if len(alerts) == 0 {
		// Either a stray tick after unsubscribe, or all alerts for the
		// symbol already fired.
		return
	}

	for i := range alerts {
		alert := &alerts[i]
		switch alert.Evaluate(tick) {
		case domain.OutcomeExpired:
			if e.reg.MarkExpired(alert.ID) {
				e.metrics.AlertsExpired.Inc()
				e.metrics.RegistrySize.Set(float64(e.reg.Len()))
				e.logger.Info("alert expired",
					slog.String("alert_id", alert.ID),
					slog.String("symbol", alert.Symbol))
			}

		case domain.OutcomeFired:
			// MarkTriggered is the at-most-once gate: only the caller
			// that wins the removal enqueues a notification.
			if !e.reg.MarkTriggered(alert.ID) {
				continue
			}
			e.metrics.AlertsFired.Inc()
			e.metrics.RegistrySize.Set(float64(e.reg.Len()))
			e.logger.Info("alert fired",
				slog.String("alert_id", alert.ID),
				slog.String("symbol", alert.Symbol),
				slog.String("price", tick.Price.String()))

			e.sink.Enqueue(domain.NotificationTask{
				AlertID: alert.ID,
				Symbol:  alert.Symbol,
				Price:   tick.Price,
				FiredAt: tick.At,
			})
		}
	}
}
