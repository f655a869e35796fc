// Package dispatch delivers fired-alert notifications asynchronously so
// slow delivery never blocks tick evaluation.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/metrics"
)

type Options struct {
	Workers         int
	MaxAttempts     int
	BaseBackoff     time.Duration
	HighWater       int
	DeliveryTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.HighWater <= 0 {
		o.HighWater = 1000
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
}

// Dispatcher owns NotificationTasks from enqueue to completion. Each task
// is processed by one worker: the firing is durably recorded first, then
// the notification is sent. Failures retry with exponential backoff up to
// MaxAttempts; after that the task is dropped and counted, never retried
// again (the alert itself is already marked fired, so a lost notification
// never loses the state transition).
type Dispatcher struct {
	store    domain.AlertStore
	notifier domain.Notifier
	logger   *slog.Logger
	metrics  *metrics.Set
	opts     Options

	mu          sync.Mutex
	queue       []domain.NotificationTask
	retries     int // queued tasks with at least one failed attempt
	retryTimers int // tasks parked in a backoff timer
	closed      bool
	signal      chan struct{}
}

func New(store domain.AlertStore, notifier domain.Notifier, opts Options, m *metrics.Set, logger *slog.Logger) *Dispatcher {
	opts.withDefaults()
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "dispatcher")),
		metrics:  m,
		opts:     opts,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends a task. Never blocks: the queue grows without bound and
// is relieved by shedding retries once it crosses the high-water mark.
func (d *Dispatcher) Enqueue(task domain.NotificationTask) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatcher stopped, dropping task",
			slog.String("alert_id", task.AlertID))
		return
	}
	d.queue = append(d.queue, task)
	if task.Attempts > 0 {
		d.retries++
	}
	if len(d.queue) > d.opts.HighWater && d.retries > 0 {
		d.shedLocked()
	}
	d.metrics.QueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// shedLocked drops the oldest tasks that already failed at least once,
// keeping fresh tasks intact. Raises the degraded gauge; it is cleared
// once the queue drains below the mark.
func (d *Dispatcher) shedLocked() {
	kept := d.queue[:0]
	shed := 0
	for _, t := range d.queue {
		if len(d.queue)-shed > d.opts.HighWater && t.Attempts > 0 {
			shed++
			d.retries--
			continue
		}
		kept = append(kept, t)
	}
	d.queue = kept

	if shed > 0 {
		d.metrics.TasksShed.Add(float64(shed))
		d.metrics.Degraded.Set(1)
		d.logger.Warn("queue over high-water mark, shed pending retries",
			slog.Int("shed", shed), slog.Int("depth", len(d.queue)))
	}
}

// Run drains the queue with a fixed worker pool until ctx is cancelled.
// Tasks still queued or parked in backoff timers at shutdown are
// abandoned and logged; nothing re-enters the queue after that.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	d.mu.Lock()
	d.closed = true
	abandoned := len(d.queue) + d.retryTimers
	d.mu.Unlock()
	if abandoned > 0 {
		d.logger.Warn("shutting down with undelivered notifications",
			slog.Int("abandoned", abandoned))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		task, ok := d.next(ctx)
		if !ok {
			return
		}
		d.process(ctx, task)
	}
}

func (d *Dispatcher) next(ctx context.Context) (domain.NotificationTask, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			task := d.queue[0]
			d.queue = d.queue[1:]
			if task.Attempts > 0 {
				d.retries--
			}
			depth := len(d.queue)
			if depth <= d.opts.HighWater {
				d.metrics.Degraded.Set(0)
			}
			d.metrics.QueueDepth.Set(float64(depth))
			d.mu.Unlock()
			return task, true
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.NotificationTask{}, false
		case <-d.signal:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, task domain.NotificationTask) {
	task.Attempts++

	err := d.attempt(ctx, task)
	if err == nil {
		d.metrics.NotificationsSent.Inc()
		d.logger.Info("notification delivered",
			slog.String("alert_id", task.AlertID),
			slog.Int("attempts", task.Attempts))
		return
	}

	if task.Attempts >= d.opts.MaxAttempts {
		d.metrics.NotificationsFailed.Inc()
		d.logger.Error("notification dropped after max attempts",
			slog.String("alert_id", task.AlertID),
			slog.Int("attempts", task.Attempts),
			slog.String("err", err.Error()))
		return
	}

	d.logger.Warn("notification attempt failed, retrying",
		slog.String("alert_id", task.AlertID),
		slog.Int("attempt", task.Attempts),
		slog.String("err", err.Error()))

	backoff := d.opts.BaseBackoff << (task.Attempts - 1)
	d.mu.Lock()
	d.retryTimers++
	d.mu.Unlock()
	time.AfterFunc(backoff, func() {
		d.redeliver(task)
	})
}

// redeliver moves a task from its backoff timer back onto the queue,
// unless the dispatcher already shut down.
func (d *Dispatcher) redeliver(task domain.NotificationTask) {
	d.mu.Lock()
	d.retryTimers--
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	d.Enqueue(task)
}

func (d *Dispatcher) attempt(ctx context.Context, task domain.NotificationTask) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()

	// Record the firing durably before notifying. Idempotent on the store
	// side, so a retry after a delivered-but-unrecorded crash is safe.
	if err := d.store.MarkTriggered(attemptCtx, task.AlertID, task.Price, task.FiredAt); err != nil {
		return err
	}
	return d.notifier.Deliver(attemptCtx, task)
}
