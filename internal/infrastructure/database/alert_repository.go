package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// AlertRepository reads the alerts table. Writes are limited to the
// idempotent triggered/expired marks; alert rows are authored elsewhere.
type AlertRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewAlertRepository(db *DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `id, symbol, kind, direction, threshold, t1, p1, t2, p2,
	   expires_at, state, version, updated_at`

func (r *AlertRepository) ActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE state = 'active'
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			// One bad row must not sink the whole snapshot.
			r.logger.Warn("skipping unreadable alert row", slog.String("err", err.Error()))
			continue
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// MarkTriggered records the firing. The state guard makes it idempotent:
// a second call, or a call racing an external delete, affects zero rows.
func (r *AlertRepository) MarkTriggered(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	query := `
		UPDATE alerts
		SET state = 'triggered',
		    last_triggered_price = $2,
		    last_triggered_at = $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`
	if _, err := r.db.ExecContext(ctx, query, id, price, at); err != nil {
		return fmt.Errorf("failed to mark alert %s triggered: %w", id, err)
	}
	return nil
}

// CreateAlert inserts a new active alert. Used by the seeder only.
func (r *AlertRepository) CreateAlert(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, symbol, kind, direction, threshold, t1, p1, t2, p2,
			expires_at, state, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active', 1, NOW())
	`

	var threshold, p1, p2 decimal.NullDecimal
	var t1, t2, expires sql.NullTime

	switch a.Kind {
	case domain.KindPriceThreshold:
		threshold = decimal.NullDecimal{Decimal: a.Threshold, Valid: true}
	case domain.KindTrendline:
		t1 = sql.NullTime{Time: a.P1.At, Valid: true}
		p1 = decimal.NullDecimal{Decimal: a.P1.Price, Valid: true}
		t2 = sql.NullTime{Time: a.P2.At, Valid: true}
		p2 = decimal.NullDecimal{Decimal: a.P2.Price, Valid: true}
	}
	if a.ExpiresAt != nil {
		expires = sql.NullTime{Time: *a.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.Symbol, a.Kind, a.Direction, threshold, t1, p1, t2, p2, expires)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	a.State = domain.StateActive
	a.Version = 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var (
		a         domain.Alert
		threshold decimal.NullDecimal
		p1, p2    decimal.NullDecimal
		t1, t2    sql.NullTime
		expires   sql.NullTime
	)

	err := row.Scan(&a.ID, &a.Symbol, &a.Kind, &a.Direction,
		&threshold, &t1, &p1, &t2, &p2,
		&expires, &a.State, &a.Version, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db scan error: %w", err)
	}

	a.Threshold = threshold.Decimal
	if t1.Valid {
		a.P1 = domain.TrendPoint{At: t1.Time, Price: p1.Decimal}
	}
	if t2.Valid {
		a.P2 = domain.TrendPoint{At: t2.Time, Price: p2.Decimal}
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}
