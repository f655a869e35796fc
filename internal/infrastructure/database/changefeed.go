package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// NotifyChannel is the LISTEN/NOTIFY channel a row trigger on the alerts
// table publishes to. The seeder installs the trigger.
const NotifyChannel = "alerts_changes"

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	idlePingInterval     = 90 * time.Second
)

// ChangeFeed adapts a pq.Listener to the domain.ChangeFeed contract.
// The listener reconnects on its own; every reconnect is surfaced as a
// disruption so the syncer can reconcile whatever was missed.
type ChangeFeed struct {
	dsn    string
	logger *slog.Logger

	listener    *pq.Listener
	events      chan domain.ChangeEvent
	disruptions chan struct{}
}

func NewChangeFeed(dsn string, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		dsn:         dsn,
		logger:      logger.With(slog.String("component", "changefeed")),
		events:      make(chan domain.ChangeEvent, 256),
		disruptions: make(chan struct{}, 1),
	}
}

func (f *ChangeFeed) Events() <-chan domain.ChangeEvent { return f.events }
func (f *ChangeFeed) Disruptions() <-chan struct{}      { return f.disruptions }

func (f *ChangeFeed) Start(ctx context.Context) error {
	f.listener = pq.NewListener(f.dsn, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				if err != nil {
					f.logger.Warn("change feed connection problem", slog.String("err", err.Error()))
				}
			case pq.ListenerEventReconnected:
				f.logger.Info("change feed reconnected")
				f.signalDisruption()
			}
		})

	if err := f.listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go f.readLoop(ctx)
	return nil
}

func (f *ChangeFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case n := <-f.listener.Notify:
			if n == nil {
				// pq delivers nil after the underlying connection was
				// re-established; notifications in between are gone.
				f.signalDisruption()
				continue
			}
			ev, err := parseChangeEvent([]byte(n.Extra))
			if err != nil {
				f.logger.Warn("skipping malformed change notification",
					slog.String("err", err.Error()))
				continue
			}
			select {
			case f.events <- ev:
			case <-ctx.Done():
				return
			}

		case <-time.After(idlePingInterval):
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn("change feed ping failed", slog.String("err", err.Error()))
			}
		}
	}
}

func (f *ChangeFeed) signalDisruption() {
	select {
	case f.disruptions <- struct{}{}:
	default:
	}
}

func (f *ChangeFeed) Close() error {
	if f.listener == nil {
		return nil
	}
	return f.listener.Close()
}

// alertRow mirrors the JSON the row trigger builds with row_to_json.
type alertRow struct {
	ID        string              `json:"id"`
	Symbol    string              `json:"symbol"`
	Kind      domain.AlertKind    `json:"kind"`
	Direction domain.Direction    `json:"direction"`
	Threshold decimal.NullDecimal `json:"threshold"`
	T1        *time.Time          `json:"t1"`
	P1        decimal.NullDecimal `json:"p1"`
	T2        *time.Time          `json:"t2"`
	P2        decimal.NullDecimal `json:"p2"`
	ExpiresAt *time.Time          `json:"expires_at"`
	State     domain.AlertState   `json:"state"`
	Version   int64               `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type changePayload struct {
	Op      string    `json:"op"`
	ID      string    `json:"id"`
	Version int64     `json:"version"`
	Row     *alertRow `json:"row"`
}

func parseChangeEvent(raw []byte) (domain.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	ev := domain.ChangeEvent{
		Op:      domain.ChangeOp(p.Op),
		ID:      p.ID,
		Version: p.Version,
	}

	switch ev.Op {
	case domain.OpInsert, domain.OpUpdate:
		if p.Row == nil {
			return domain.ChangeEvent{}, fmt.Errorf("%s event without row (id=%s)", p.Op, p.ID)
		}
		ev.Alert = p.Row.toDomain()
	case domain.OpDelete:
		if p.ID == "" {
			return domain.ChangeEvent{}, fmt.Errorf("delete event without id")
		}
	default:
		return domain.ChangeEvent{}, fmt.Errorf("unknown op %q", p.Op)
	}
	return ev, nil
}

func (r *alertRow) toDomain() *domain.Alert {
	a := &domain.Alert{
		ID:        r.ID,
		Symbol:    r.Symbol,
		Kind:      r.Kind,
		Direction: r.Direction,
		Threshold: r.Threshold.Decimal,
		State:     r.State,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
	}
	if r.T1 != nil {
		a.P1 = domain.TrendPoint{At: *r.T1, Price: r.P1.Decimal}
	}
	if r.T2 != nil {
		a.P2 = domain.TrendPoint{At: *r.T2, Price: r.P2.Decimal}
	}
	return a
}
