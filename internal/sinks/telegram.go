package sinks

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/controller"
)

type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chat   int64
	logger *zap.Logger
}

// NewTelegramNotifier returns nil without an error when no token is set.
func NewTelegramNotifier(token string, chat int64, logger *zap.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create telegram bot")
	}
	return newTelegramNotifier(bot, chat, logger), nil
}

func newTelegramNotifier(bot *tgbotapi.BotAPI, chat int64, logger *zap.Logger) *TelegramNotifier {
	logger = logger.Named("telegram")
	logger.Info("Authorized on account", zap.String("username", bot.Self.UserName))
	return &TelegramNotifier{bot, chat, logger}
}

func (n *TelegramNotifier) Notify(ctx context.Context, summary controller.Summary) error {
	if n == nil {
		return nil
	}

	msg := tgbotapi.NewMessage(n.chat, tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, summary.Message()))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.api.Send(msg); err != nil {
		return errors.Wrap(err, "Failed to send telegram message")
	}
	return nil
}
