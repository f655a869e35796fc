package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/registry"
)

type fakeFeed struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
	failNext     int
}

func (f *fakeFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("feed unavailable")
	}
	f.subscribes = append(f.subscribes, symbol)
	return nil
}

func (f *fakeFeed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, symbol)
	return nil
}

func (f *fakeFeed) Run(context.Context) {}

func (f *fakeFeed) Ticks() <-chan domain.Tick { return nil }

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes), len(f.unsubscribes)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alert(id, symbol string) domain.Alert {
	return domain.Alert{
		ID:        id,
		Symbol:    symbol,
		Kind:      domain.KindPriceThreshold,
		Direction: domain.DirectionAbove,
		State:     domain.StateActive,
	}
}

// wired builds a registry whose edge hooks wake the manager, mirroring
// the production wiring.
func wired(feed domain.TickFeed, retryDelay time.Duration) (*Manager, *registry.Registry) {
	var mgr *Manager
	reg := registry.New(0, registry.Hooks{
		SymbolActivated:   func(sym string) { mgr.OnSymbolActivated(sym) },
		SymbolDeactivated: func(sym string) { mgr.OnSymbolDeactivated(sym) },
	})
	mgr = NewManager(feed, reg, retryDelay, testLogger())
	return mgr, reg
}

func TestSubscriptionAccounting(t *testing.T) {
	feed := &fakeFeed{}
	mgr, reg := wired(feed, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	// Two alerts for one symbol: exactly one subscribe.
	require.NoError(t, reg.Upsert(alert("a1", "X")))
	require.NoError(t, reg.Upsert(alert("a2", "X")))

	require.Eventually(t, func() bool {
		subs, _ := feed.counts()
		return subs == 1
	}, time.Second, 5*time.Millisecond)

	// Removing both: exactly one unsubscribe.
	reg.Remove("a1")
	reg.Remove("a2")

	require.Eventually(t, func() bool {
		_, unsubs := feed.counts()
		return unsubs == 1
	}, time.Second, 5*time.Millisecond)

	subs, unsubs := feed.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)
}

func TestSubscribeFailureIsRetried(t *testing.T) {
	feed := &fakeFeed{failNext: 2}
	mgr, reg := wired(feed, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.NoError(t, reg.Upsert(alert("a1", "X")))

	require.Eventually(t, func() bool {
		subs, _ := feed.counts()
		return subs == 1
	}, time.Second, time.Millisecond, "subscribe must succeed after retries")
}

func TestBurstCoalesces(t *testing.T) {
	feed := &fakeFeed{}
	mgr, reg := wired(feed, 10*time.Millisecond)

	// Add/remove before the loop runs: the burst nets out and the feed
	// sees nothing for Y, one subscribe for Z.
	require.NoError(t, reg.Upsert(alert("y1", "Y")))
	reg.Remove("y1")
	require.NoError(t, reg.Upsert(alert("z1", "Z")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.Eventually(t, func() bool {
		subs, _ := feed.counts()
		return subs == 1
	}, time.Second, 5*time.Millisecond)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Equal(t, []string{"Z"}, feed.subscribes)
	assert.Empty(t, feed.unsubscribes)
}

func TestLargeSnapshotFullySubscribed(t *testing.T) {
	// A bootstrap snapshot fires thousands of activation hooks before the
	// loop starts draining. Every pass re-reads the registry, so none of
	// them may be lost.
	feed := &fakeFeed{}
	mgr, reg := wired(feed, 10*time.Millisecond)

	const symbols = 2000
	for i := 0; i < symbols; i++ {
		sym := fmt.Sprintf("SYM%04d", i)
		require.NoError(t, reg.Upsert(alert("a-"+sym, sym)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.Eventually(t, func() bool {
		subs, _ := feed.counts()
		return subs == symbols
	}, 5*time.Second, 5*time.Millisecond, "every symbol with alerts must end up subscribed")
}
