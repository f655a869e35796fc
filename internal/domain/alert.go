package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome of evaluating one alert against one tick.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFired
	OutcomeExpired
)

var (
	ErrInvalidTrendline = errors.New("trendline anchors must satisfy t1 < t2")
	ErrUnknownKind      = errors.New("unknown alert kind")
	ErrUnknownDirection = errors.New("unknown alert direction")
)

// Validate rejects records the evaluator cannot interpret. Invalid alerts
// are skipped by consumers, they never reach the registry.
func (a *Alert) Validate() error {
	switch a.Direction {
	case DirectionAbove, DirectionBelow:
	default:
		return fmt.Errorf("alert %s: %w: %q", a.ID, ErrUnknownDirection, a.Direction)
	}

	switch a.Kind {
	case KindPriceThreshold:
		return nil
	case KindTrendline:
		if !a.P2.At.After(a.P1.At) {
			return fmt.Errorf("alert %s: %w (t1=%s t2=%s)",
				a.ID, ErrInvalidTrendline, a.P1.At.Format(time.RFC3339), a.P2.At.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("alert %s: %w: %q", a.ID, ErrUnknownKind, a.Kind)
	}
}

// TriggerLevelAt returns the price level the tick is compared against at
// time t. For trendlines this is linear interpolation between the anchors,
// extrapolated beyond them:
//
//	price(t) = p1 + (p2 - p1) * (t - t1) / (t2 - t1)
func (a *Alert) TriggerLevelAt(t time.Time) decimal.Decimal {
	if a.Kind == KindPriceThreshold {
		return a.Threshold
	}

	total := decimal.NewFromFloat(a.P2.At.Sub(a.P1.At).Seconds())
	elapsed := decimal.NewFromFloat(t.Sub(a.P1.At).Seconds())
	rise := a.P2.Price.Sub(a.P1.Price)

	return a.P1.Price.Add(rise.Mul(elapsed).Div(total))
}

// Evaluate checks the alert against a tick. It assumes the alert passed
// Validate and is Active; terminal alerts never reach evaluation.
func (a *Alert) Evaluate(tick Tick) Outcome {
	if a.ExpiresAt != nil && tick.At.After(*a.ExpiresAt) {
		return OutcomeExpired
	}

	level := a.TriggerLevelAt(tick.At)

	var crossed bool
	switch a.Direction {
	case DirectionAbove:
		crossed = tick.Price.GreaterThanOrEqual(level)
	case DirectionBelow:
		crossed = tick.Price.LessThanOrEqual(level)
	}

	if crossed {
		return OutcomeFired
	}
	return OutcomeNone
}
