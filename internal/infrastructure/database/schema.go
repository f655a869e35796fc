package database

import (
	"context"
	"fmt"
)

// Schema for the alerts table plus the row trigger feeding the
// LISTEN/NOTIFY change channel. Applied by the seeder; in production the
// table is owned by the service that authors alerts.
const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	kind TEXT NOT NULL,
	direction TEXT NOT NULL,
	threshold NUMERIC,
	t1 TIMESTAMPTZ,
	p1 NUMERIC,
	t2 TIMESTAMPTZ,
	p2 NUMERIC,
	expires_at TIMESTAMPTZ,
	state TEXT NOT NULL DEFAULT 'active',
	version BIGINT NOT NULL DEFAULT 1,
	last_triggered_price NUMERIC,
	last_triggered_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS alerts_active_symbol_idx
	ON alerts (symbol) WHERE state = 'active';

CREATE OR REPLACE FUNCTION alerts_notify() RETURNS trigger AS $$
DECLARE
	payload JSON;
BEGIN
	IF TG_OP = 'DELETE' THEN
		payload = json_build_object(
			'op', 'delete',
			'id', OLD.id,
			'version', OLD.version);
	ELSE
		payload = json_build_object(
			'op', lower(TG_OP),
			'id', NEW.id,
			'version', NEW.version,
			'row', row_to_json(NEW));
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', payload::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS alerts_changes_trg ON alerts;
CREATE TRIGGER alerts_changes_trg
	AFTER INSERT OR UPDATE OR DELETE ON alerts
	FOR EACH ROW EXECUTE FUNCTION alerts_notify();
`

func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
