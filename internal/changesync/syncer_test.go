package changesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/metrics"
	"github.com/stockwatch/alert-engine/internal/registry"
)

type fakeStore struct {
	mu       sync.Mutex
	snapshot []domain.Alert
	err      error
}

func (s *fakeStore) ActiveAlerts(context.Context) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.Alert(nil), s.snapshot...), nil
}

func (s *fakeStore) MarkTriggered(context.Context, string, decimal.Decimal, time.Time) error {
	return nil
}

func (s *fakeStore) setSnapshot(alerts []domain.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = alerts
}

type fakeFeed struct {
	events      chan domain.ChangeEvent
	disruptions chan struct{}
	startErr    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events:      make(chan domain.ChangeEvent, 16),
		disruptions: make(chan struct{}, 1),
	}
}

func (f *fakeFeed) Start(context.Context) error       { return f.startErr }
func (f *fakeFeed) Events() <-chan domain.ChangeEvent { return f.events }
func (f *fakeFeed) Disruptions() <-chan struct{}      { return f.disruptions }
func (f *fakeFeed) Close() error                      { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeAlert(id, symbol string, version int64) domain.Alert {
	return domain.Alert{
		ID:        id,
		Symbol:    symbol,
		Kind:      domain.KindPriceThreshold,
		Direction: domain.DirectionAbove,
		Threshold: decimal.NewFromInt(100),
		State:     domain.StateActive,
		Version:   version,
	}
}

func newSyncer(reg *registry.Registry, store *fakeStore, feed *fakeFeed) *Syncer {
	return New(reg, store, feed, time.Hour, metrics.NewSet(), testLogger())
}

func TestBootstrapSeedsRegistry(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	store := &fakeStore{snapshot: []domain.Alert{
		activeAlert("a1", "AAPL", 1),
		activeAlert("a2", "MSFT", 1),
	}}
	s := newSyncer(reg, store, newFakeFeed())

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, StateSynced, s.State())
}

func TestBootstrapFailsFastWithoutSnapshot(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	store := &fakeStore{err: errors.New("store unreachable")}
	s := newSyncer(reg, store, newFakeFeed())

	err := s.Bootstrap(context.Background())
	require.Error(t, err, "the engine must not start from an unknown state")
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, reg.Len())
}

func TestApplyInsertUpdateDelete(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	s := newSyncer(reg, &fakeStore{}, newFakeFeed())

	a := activeAlert("a1", "AAPL", 1)
	s.apply(domain.ChangeEvent{Op: domain.OpInsert, ID: "a1", Version: 1, Alert: &a})
	require.Equal(t, 1, reg.Len())

	// Update bumps the stored version.
	a2 := activeAlert("a1", "AAPL", 2)
	a2.Threshold = decimal.NewFromInt(120)
	s.apply(domain.ChangeEvent{Op: domain.OpUpdate, ID: "a1", Version: 2, Alert: &a2})

	got, ok := reg.Get("a1")
	require.True(t, ok)
	assert.True(t, got.Threshold.Equal(decimal.NewFromInt(120)))

	s.apply(domain.ChangeEvent{Op: domain.OpDelete, ID: "a1"})
	assert.Zero(t, reg.Len())
}

func TestStaleVersionIsIgnored(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	s := newSyncer(reg, &fakeStore{}, newFakeFeed())

	a5 := activeAlert("a1", "AAPL", 5)
	s.apply(domain.ChangeEvent{Op: domain.OpInsert, ID: "a1", Version: 5, Alert: &a5})

	// An older update arriving late (reconnect reordering) is a no-op.
	a3 := activeAlert("a1", "AAPL", 3)
	a3.Threshold = decimal.NewFromInt(1)
	s.apply(domain.ChangeEvent{Op: domain.OpUpdate, ID: "a1", Version: 3, Alert: &a3})

	got, _ := reg.Get("a1")
	assert.Equal(t, int64(5), got.Version)
	assert.True(t, got.Threshold.Equal(decimal.NewFromInt(100)))

	// A newer one overwrites.
	a6 := activeAlert("a1", "AAPL", 6)
	a6.Threshold = decimal.NewFromInt(200)
	s.apply(domain.ChangeEvent{Op: domain.OpUpdate, ID: "a1", Version: 6, Alert: &a6})

	got, _ = reg.Get("a1")
	assert.Equal(t, int64(6), got.Version)
}

func TestUpdateToInactiveRemoves(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	s := newSyncer(reg, &fakeStore{}, newFakeFeed())

	a := activeAlert("a1", "AAPL", 1)
	s.apply(domain.ChangeEvent{Op: domain.OpInsert, ID: "a1", Version: 1, Alert: &a})

	triggered := activeAlert("a1", "AAPL", 2)
	triggered.State = domain.StateTriggered
	s.apply(domain.ChangeEvent{Op: domain.OpUpdate, ID: "a1", Version: 2, Alert: &triggered})

	assert.Zero(t, reg.Len(), "an alert that left Active leaves the registry")
}

func TestInvalidAlertIsSkipped(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	s := newSyncer(reg, &fakeStore{}, newFakeFeed())

	bad := domain.Alert{
		ID:        "bad",
		Symbol:    "AAPL",
		Kind:      domain.KindTrendline,
		Direction: domain.DirectionAbove,
		State:     domain.StateActive,
		Version:   1,
		// equal anchors: t1 == t2
	}
	s.apply(domain.ChangeEvent{Op: domain.OpInsert, ID: "bad", Version: 1, Alert: &bad})

	assert.Zero(t, reg.Len(), "invalid trendline anchors are a data error, not a registry entry")
}

func TestReconcileRemovesMissedDeletes(t *testing.T) {
	var deactivated []string
	subs := registry.Hooks{
		SymbolDeactivated: func(s string) { deactivated = append(deactivated, s) },
	}
	reg := registry.New(0, subs)
	store := &fakeStore{snapshot: []domain.Alert{
		activeAlert("a1", "AAPL", 1),
		activeAlert("a2", "MSFT", 1),
	}}
	feed := newFakeFeed()
	s := newSyncer(reg, store, feed)
	require.NoError(t, s.Bootstrap(context.Background()))

	// A delete of a2 happens while disconnected; the snapshot no longer
	// contains it.
	store.setSnapshot([]domain.Alert{activeAlert("a1", "AAPL", 1)})

	require.NoError(t, s.Reconcile(context.Background()))

	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Get("a2")
	assert.False(t, ok)
	assert.Contains(t, deactivated, "MSFT", "the orphaned symbol subscription is released")
}

func TestReconcileKeepsNewerVersion(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	store := &fakeStore{}
	s := newSyncer(reg, store, newFakeFeed())

	// A live v6 update lands after the snapshot was read at v5.
	a6 := activeAlert("a1", "AAPL", 6)
	a6.Threshold = decimal.NewFromInt(200)
	s.apply(domain.ChangeEvent{Op: domain.OpUpdate, ID: "a1", Version: 6, Alert: &a6})

	stale := activeAlert("a1", "AAPL", 5)
	store.setSnapshot([]domain.Alert{stale})

	require.NoError(t, s.Reconcile(context.Background()))

	got, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, int64(6), got.Version, "a snapshot must never roll an alert back")
	assert.True(t, got.Threshold.Equal(decimal.NewFromInt(200)))
}

func TestFallbackReconcileRunsOnLoop(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	store := &fakeStore{snapshot: []domain.Alert{activeAlert("a1", "AAPL", 1)}}
	feed := newFakeFeed()
	s := newSyncer(reg, store, feed)
	require.NoError(t, s.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The store dropped a1 without a delete event; the periodic request
	// must converge the registry.
	store.setSnapshot(nil)
	s.requestReconcile()

	require.Eventually(t, func() bool {
		return reg.Len() == 0 && s.State() == StateSynced
	}, time.Second, time.Millisecond)
}

func TestDisruptionTriggersReconcile(t *testing.T) {
	reg := registry.New(0, registry.Hooks{})
	store := &fakeStore{snapshot: []domain.Alert{activeAlert("a1", "AAPL", 1)}}
	feed := newFakeFeed()
	s := newSyncer(reg, store, feed)
	require.NoError(t, s.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	store.setSnapshot(nil)
	feed.disruptions <- struct{}{}

	require.Eventually(t, func() bool {
		return reg.Len() == 0 && s.State() == StateSynced
	}, time.Second, time.Millisecond)
}
