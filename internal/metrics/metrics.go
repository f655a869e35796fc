// Package metrics exposes the engine's operational counters on a
// Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Set struct {
	TicksEvaluated      prometheus.Counter
	TicksDropped        prometheus.Counter
	AlertsFired         prometheus.Counter
	AlertsExpired       prometheus.Counter
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	TasksShed           prometheus.Counter
	QueueDepth          prometheus.Gauge
	Degraded            prometheus.Gauge
	RegistrySize        prometheus.Gauge

	registry *prometheus.Registry
}

func NewSet() *Set {
	s := &Set{
		TicksEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_ticks_evaluated_total",
			Help: "Ticks routed through the evaluator.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_ticks_dropped_total",
			Help: "Ticks dropped because an evaluation lane was full.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_alerts_fired_total",
			Help: "Alerts transitioned to triggered.",
		}),
		AlertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_alerts_expired_total",
			Help: "Alerts transitioned to expired.",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_notifications_sent_total",
			Help: "Notifications delivered successfully.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_notifications_failed_total",
			Help: "Notifications dropped after exhausting retries.",
		}),
		TasksShed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_engine_dispatch_tasks_shed_total",
			Help: "Queued retries shed under backpressure.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_engine_dispatch_queue_depth",
			Help: "Notification tasks waiting for delivery.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_engine_dispatch_degraded",
			Help: "1 while the dispatcher is shedding retries.",
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_engine_registry_alerts",
			Help: "Active alerts held in memory.",
		}),
		registry: prometheus.NewRegistry(),
	}

	s.registry.MustRegister(
		s.TicksEvaluated, s.TicksDropped,
		s.AlertsFired, s.AlertsExpired,
		s.NotificationsSent, s.NotificationsFailed, s.TasksShed,
		s.QueueDepth, s.Degraded, s.RegistrySize,
	)
	return s
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func (s *Set) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", slog.String("err", err.Error()))
	}
}
