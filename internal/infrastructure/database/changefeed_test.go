package database

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwatch/alert-engine/internal/domain"
)

func TestParseChangeEvent_Insert(t *testing.T) {
	raw := []byte(`{
		"op": "insert",
		"id": "a1",
		"version": 1,
		"row": {
			"id": "a1",
			"symbol": "AAPL",
			"kind": "price_threshold",
			"direction": "above",
			"threshold": 250.5,
			"t1": null, "p1": null, "t2": null, "p2": null,
			"expires_at": null,
			"state": "active",
			"version": 1,
			"updated_at": "2026-08-27T10:15:00.123456+00:00"
		}
	}`)

	ev, err := parseChangeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OpInsert, ev.Op)
	assert.Equal(t, "a1", ev.ID)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "AAPL", ev.Alert.Symbol)
	assert.Equal(t, domain.KindPriceThreshold, ev.Alert.Kind)
	assert.True(t, ev.Alert.Threshold.Equal(decimal.NewFromFloat(250.5)))
	assert.Equal(t, domain.StateActive, ev.Alert.State)
}

func TestParseChangeEvent_TrendlineUpdate(t *testing.T) {
	raw := []byte(`{
		"op": "update",
		"id": "t1",
		"version": 4,
		"row": {
			"id": "t1",
			"symbol": "NVDA",
			"kind": "trend_line",
			"direction": "below",
			"threshold": null,
			"t1": "2026-08-01T00:00:00+00:00",
			"p1": 110,
			"t2": "2026-08-20T00:00:00+00:00",
			"p2": 125,
			"expires_at": "2026-09-01T00:00:00+00:00",
			"state": "active",
			"version": 4,
			"updated_at": "2026-08-27T10:15:00+00:00"
		}
	}`)

	ev, err := parseChangeEvent(raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, domain.KindTrendline, ev.Alert.Kind)
	assert.Equal(t, int64(4), ev.Alert.Version)
	assert.True(t, ev.Alert.P1.Price.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), ev.Alert.P1.At.UTC())
	require.NotNil(t, ev.Alert.ExpiresAt)
	require.NoError(t, ev.Alert.Validate())
}

func TestParseChangeEvent_Delete(t *testing.T) {
	ev, err := parseChangeEvent([]byte(`{"op": "delete", "id": "a9", "version": 7}`))
	require.NoError(t, err)
	assert.Equal(t, domain.OpDelete, ev.Op)
	assert.Equal(t, "a9", ev.ID)
	assert.Nil(t, ev.Alert)
}

func TestParseChangeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"op": "insert"`},
		{"insert without row", `{"op": "insert", "id": "a1", "version": 1}`},
		{"delete without id", `{"op": "delete", "version": 1}`},
		{"unknown op", `{"op": "truncate", "id": "a1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChangeEvent([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
