package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"screening-engine/internal/config"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
)

var _ adapter.BatchNotifier = (*TelegramNotifier)(nil)

// TelegramNotifier posts a summary to one chat when a batch finishes.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zerolog.Logger
}

func NewTelegramNotifier(cfg config.TelegramConfig, logger *zerolog.Logger) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithClient(cfg, tgbotapi.APIEndpoint, &http.Client{}, logger)
}

// NewTelegramNotifierWithClient targets a custom Bot API endpoint, a format
// string taking the token and the method name.
func NewTelegramNotifierWithClient(cfg config.TelegramConfig, endpoint string, client *http.Client, logger *zerolog.Logger) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	l := logger.With().Str("component", "TelegramNotifier").Logger()
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID, log: &l}, nil
}

func (n *TelegramNotifier) BatchFinished(ctx context.Context, view model.BatchStatusView) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := tgbotapi.NewMessage(n.chatID, Summary(view))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send batch summary: %w", err)
	}
	n.log.Debug().Str("batch_id", view.BatchID).Int64("chat_id", n.chatID).Msg("batch summary sent")
	return nil
}

// Summary renders the plain-text completion message.
func Summary(v model.BatchStatusView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s finished: %s\n", v.BatchID, v.Status)
	fmt.Fprintf(&b, "Model: %s\n", v.Selection.String())
	fmt.Fprintf(&b, "Items: %d (completed %d, error %d, cancelled %d)",
		v.Total, v.Counts.Completed, v.Counts.Error, v.Counts.Cancelled)
	return b.String()
}
