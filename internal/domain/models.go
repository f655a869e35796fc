package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Enums & Constants ---

type AlertKind string

const (
	KindPriceThreshold AlertKind = "price_threshold"
	KindTrendline      AlertKind = "trend_line"
)

type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

type AlertState string

const (
	StateActive    AlertState = "active"
	StateTriggered AlertState = "triggered" // terminal
	StateExpired   AlertState = "expired"   // terminal
)

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// --- Entities ---

// TrendPoint is one anchor of a trendline.
type TrendPoint struct {
	At    time.Time
	Price decimal.Decimal
}

// Alert is the unit of monitoring. ID is stable across updates; Symbol is
// immutable after creation (a symbol change arrives as delete+insert).
type Alert struct {
	ID        string
	Symbol    string
	Kind      AlertKind
	Direction Direction

	// price_threshold payload
	Threshold decimal.Decimal

	// trend_line payload
	P1, P2 TrendPoint

	// Optional validity end. Past it the alert expires instead of firing.
	ExpiresAt *time.Time

	State     AlertState
	Version   int64
	UpdatedAt time.Time
}

// Tick is a live price observation. Ephemeral, never persisted.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// ChangeEvent is one mutation from the durable store's change feed.
// Alert is nil for deletes.
type ChangeEvent struct {
	Op      ChangeOp
	ID      string
	Version int64
	Alert   *Alert
}

// NotificationTask is owned by the Dispatcher once enqueued.
type NotificationTask struct {
	AlertID  string
	Symbol   string
	Price    decimal.Decimal
	FiredAt  time.Time
	Attempts int
}
