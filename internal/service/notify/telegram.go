package notify

import (
	"context"
	"fmt"

	domserv "TrapLine/internal/domain/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends operator alerts to a single chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domserv.Notifier = (*Telegram)(nil)

// NewTelegram creates a Telegram notifier. The token is validated
// against the Bot API on construction.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends text to the configured chat.
func (t *Telegram) Notify(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Nop is the notifier used when no alert channel is configured.
type Nop struct{}

var _ domserv.Notifier = (*Nop)(nil)

// NewNop creates a notifier that discards everything.
func NewNop() *Nop { return &Nop{} }

// Notify discards the message.
func (n *Nop) Notify(context.Context, string) error { return nil }
