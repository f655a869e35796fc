// Package changesync keeps the registry consistent with the durable
// alert store: it applies live change-feed events and falls back to full
// snapshot reconciliation whenever events may have been missed.
package changesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/metrics"
	"github.com/stockwatch/alert-engine/internal/registry"
)

// State of the sync connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSynced
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateReconciling:
		return "reconciling"
	default:
		return "disconnected"
	}
}

const (
	reconcileBaseBackoff = time.Second
	reconcileMaxBackoff  = time.Minute
)

type Syncer struct {
	reg     *registry.Registry
	store   domain.AlertStore
	feed    domain.ChangeFeed
	logger  *slog.Logger
	metrics *metrics.Set

	// Fallback reconciliation period, in case the feed silently stalls
	// without ever reporting a disruption.
	reconcileEvery time.Duration

	// Requests from the cron job to the Run loop, so reconciliation is
	// always serialized with live event application.
	reconcileReq chan struct{}

	state atomic.Int32
}

func New(reg *registry.Registry, store domain.AlertStore, feed domain.ChangeFeed,
	reconcileEvery time.Duration, m *metrics.Set, logger *slog.Logger) *Syncer {
	return &Syncer{
		reg:            reg,
		store:          store,
		feed:           feed,
		logger:         logger.With(slog.String("component", "changesync")),
		metrics:        m,
		reconcileEvery: reconcileEvery,
		reconcileReq:   make(chan struct{}, 1),
	}
}

func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Info("sync state changed",
			slog.String("from", old.String()), slog.String("to", st.String()))
	}
}

// Bootstrap connects the feed and seeds the registry from a snapshot.
// A failure here is fatal: the engine must not serve from an empty or
// unknown alert set.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	s.setState(StateConnecting)

	if err := s.feed.Start(ctx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("change feed start: %w", err)
	}

	alerts, err := s.store.ActiveAlerts(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("initial snapshot: %w", err)
	}

	for i := range alerts {
		s.applyAlert(&alerts[i])
	}
	s.metrics.RegistrySize.Set(float64(s.reg.Len()))
	s.setState(StateSynced)

	s.logger.Info("registry seeded from snapshot", slog.Int("alerts", s.reg.Len()))
	return nil
}

// Run consumes live events until ctx is cancelled. Call after Bootstrap.
func (s *Syncer) Run(ctx context.Context) {
	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", s.reconcileEvery), s.requestReconcile)
	if err != nil {
		s.logger.Error("failed to schedule fallback reconciliation", slog.String("err", err.Error()))
	} else {
		sched.Start()
		defer sched.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			_ = s.feed.Close()
			return

		case ev, ok := <-s.feed.Events():
			if !ok {
				s.setState(StateDisconnected)
				return
			}
			s.apply(ev)

		case <-s.feed.Disruptions():
			// Events may have been lost; the registry keeps serving
			// stale-but-present data while we resync.
			s.reconcileWithRetry(ctx)

		case <-s.reconcileReq:
			if s.State() == StateSynced {
				s.reconcileWithRetry(ctx)
			}
		}
	}
}

// requestReconcile asks the Run loop for a fallback pass. Never blocks;
// a pending request already covers this period.
func (s *Syncer) requestReconcile() {
	select {
	case s.reconcileReq <- struct{}{}:
	default:
	}
}

func (s *Syncer) apply(ev domain.ChangeEvent) {
	switch ev.Op {
	case domain.OpInsert, domain.OpUpdate:
		if ev.Alert == nil {
			s.logger.Warn("malformed change event: missing row",
				slog.String("op", string(ev.Op)), slog.String("id", ev.ID))
			return
		}
		s.applyAlert(ev.Alert)

	case domain.OpDelete:
		s.reg.Remove(ev.ID)

	default:
		s.logger.Warn("malformed change event: unknown op", slog.String("op", string(ev.Op)))
	}
	s.metrics.RegistrySize.Set(float64(s.reg.Len()))
}

// applyAlert folds one store row into the registry: upserts an active
// alert, removes any other state. Last-writer-wins by version — the feed
// does not guarantee ordering across reconnects, and a reconcile
// snapshot may be older than an event applied since it was read. Invalid
// records are skipped so one bad row never stops the stream.
func (s *Syncer) applyAlert(a *domain.Alert) {
	if cur, ok := s.reg.Get(a.ID); ok && a.Version <= cur.Version {
		return
	}
	if a.State != domain.StateActive {
		s.reg.Remove(a.ID)
		return
	}
	if err := a.Validate(); err != nil {
		s.logger.Warn("skipping invalid alert", slog.String("err", err.Error()))
		return
	}
	if err := s.reg.Upsert(*a); err != nil {
		s.logger.Error("registry rejected alert",
			slog.String("alert_id", a.ID), slog.String("err", err.Error()))
	}
}

func (s *Syncer) reconcileWithRetry(ctx context.Context) {
	s.setState(StateReconciling)

	backoff := reconcileBaseBackoff
	for {
		err := s.Reconcile(ctx)
		if err == nil {
			s.setState(StateSynced)
			return
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.logger.Warn("reconciliation failed, backing off",
			slog.Duration("backoff", backoff), slog.String("err", err.Error()))

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconcileMaxBackoff {
			backoff = reconcileMaxBackoff
		}
	}
}

// Reconcile diffs the registry against a fresh snapshot: upserts rows
// newer than what the registry holds, removes what the store no longer
// has. This is the correctness backstop for any events missed while
// disconnected.
func (s *Syncer) Reconcile(ctx context.Context) error {
	alerts, err := s.store.ActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	inSnapshot := make(map[string]struct{}, len(alerts))
	for i := range alerts {
		inSnapshot[alerts[i].ID] = struct{}{}
		s.applyAlert(&alerts[i])
	}

	removed := 0
	for _, id := range s.reg.IDs() {
		if _, ok := inSnapshot[id]; !ok {
			if s.reg.Remove(id) {
				removed++
			}
		}
	}

	s.metrics.RegistrySize.Set(float64(s.reg.Len()))
	s.logger.Info("reconciled registry against snapshot",
		slog.Int("alerts", s.reg.Len()), slog.Int("removed", removed))
	return nil
}
