// Package notify implements the notification channel boundary.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// Telegram delivers fired-alert messages to a single configured chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(token string, chatID int64, timeout time.Duration, logger *slog.Logger) (*Telegram, error) {
	client := &http.Client{Timeout: timeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	bot.Debug = false

	logger.Info("telegram notifier authorized", slog.String("username", bot.Self.UserName))

	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger.With(slog.String("component", "notifier")),
	}, nil
}

func (t *Telegram) Deliver(ctx context.Context, task domain.NotificationTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := fmt.Sprintf("🔔 Alert fired: %s crossed at %s (%s)",
		task.Symbol,
		task.Price.String(),
		task.FiredAt.Format(time.RFC3339))

	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}
