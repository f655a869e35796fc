package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AlertStore is the durable store boundary. Alerts are created and edited
// elsewhere; the engine only reads snapshots and marks alerts fired.
type AlertStore interface {
	// ActiveAlerts returns the full set of active alerts (startup seed and
	// reconciliation snapshot).
	ActiveAlerts(ctx context.Context) ([]Alert, error)

	// MarkTriggered durably records the firing. Idempotent: marking an
	// alert that is no longer active is a no-op.
	MarkTriggered(ctx context.Context, id string, price decimal.Decimal, at time.Time) error
}

// ChangeFeed is a push stream of store mutations.
type ChangeFeed interface {
	// Start opens the feed. The feed reconnects internally; Start fails
	// only when the initial connection cannot be established.
	Start(ctx context.Context) error

	// Events yields mutations in arrival order. Ordering across
	// reconnects is not guaranteed; consumers resolve by version.
	Events() <-chan ChangeEvent

	// Disruptions signals a reconnect that may have dropped events. Each
	// signal requires a snapshot reconciliation.
	Disruptions() <-chan struct{}

	Close() error
}

// TickFeed delivers prices for subscribed symbols only.
type TickFeed interface {
	Run(ctx context.Context)
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Ticks() <-chan Tick
}

// Notifier delivers one fired-alert notification.
type Notifier interface {
	Deliver(ctx context.Context, task NotificationTask) error
}
