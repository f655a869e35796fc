package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the engine's process configuration, read from the
// environment (with an optional .env file for local runs).
type Config struct {
	Env string `envconfig:"ENV" default:"local"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// FEED_URL is a websocket endpoint, or "mock" for the local generator.
	FeedURL string `envconfig:"FEED_URL" default:"mock"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// Fallback full-snapshot reconciliation period, a safety net for a
	// change feed that stalls without reporting a disconnect.
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`

	MaxAlerts int `envconfig:"MAX_ALERTS" default:"100000"`
	EvalLanes int `envconfig:"EVAL_LANES" default:"4"`

	SubscribeRetry time.Duration `envconfig:"SUBSCRIBE_RETRY" default:"5s"`

	DispatchWorkers     int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	DispatchMaxAttempts int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"5"`
	DispatchBaseBackoff time.Duration `envconfig:"DISPATCH_BASE_BACKOFF" default:"2s"`
	DispatchHighWater   int           `envconfig:"DISPATCH_HIGH_WATER" default:"1000"`
	DeliveryTimeout     time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	// .env is optional; in production the environment is already set.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
