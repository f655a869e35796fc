package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"

	"github.com/stockwatch/alert-engine/internal/config"
	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/infrastructure/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if cfg.Env != "local" {
		log.Fatal("Seeder allowed only in local environment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	log.Println("[Seeder] Schema and change trigger in place.")

	repo := database.NewAlertRepository(db, logger)

	existing, err := repo.ActiveAlerts(ctx)
	if err != nil {
		log.Fatalf("Failed to check existing alerts: %v", err)
	}
	if len(existing) > 0 {
		log.Printf("[Seeder] Found %d active alerts. Skipping creation.", len(existing))
		return
	}

	log.Println("[Seeder] Creating demo alerts...")

	now := time.Now().UTC()
	expiry := now.Add(14 * 24 * time.Hour)

	demo := []domain.Alert{
		{
			ID:        uuid.NewString(),
			Symbol:    "AAPL",
			Kind:      domain.KindPriceThreshold,
			Direction: domain.DirectionAbove,
			Threshold: decimal.NewFromInt(250),
		},
		{
			ID:        uuid.NewString(),
			Symbol:    "MSFT",
			Kind:      domain.KindPriceThreshold,
			Direction: domain.DirectionBelow,
			Threshold: decimal.NewFromInt(380),
		},
		{
			ID:        uuid.NewString(),
			Symbol:    "NVDA",
			Kind:      domain.KindTrendline,
			Direction: domain.DirectionAbove,
			P1:        domain.TrendPoint{At: now.Add(-7 * 24 * time.Hour), Price: decimal.NewFromInt(110)},
			P2:        domain.TrendPoint{At: now, Price: decimal.NewFromInt(125)},
			ExpiresAt: &expiry,
		},
	}

	for i := range demo {
		if err := repo.CreateAlert(ctx, &demo[i]); err != nil {
			log.Printf("Failed to create alert for %s: %v", demo[i].Symbol, err)
			continue
		}
		log.Printf("[Seeder] Alert created: %s %s %s", demo[i].Symbol, demo[i].Kind, demo[i].ID)
	}
}
