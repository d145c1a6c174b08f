// Package relay implements the out-of-band fallback channel used to notify
// recipients that are not currently present in a conversation. The concrete
// transport is a Telegram bot; the Relay interface keeps the delivery router
// independent of that choice.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Relay sends a plain-text notification to an already-resolved destination
// address. Implementations must be safe for concurrent use.
type Relay interface {
	// Send delivers text to the destination chat. A failure degrades
	// delivery only; the message is already durably stored by the time any
	// relay is attempted.
	Send(ctx context.Context, chatID int64, text string) error
}

// TelegramRelay sends notifications through the Telegram Bot API.
type TelegramRelay struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramRelay authenticates the bot once at startup. The HTTP client
// timeout bounds every send so a slow Telegram endpoint cannot stall the
// caller past its budget.
func NewTelegramRelay(token string, timeout time.Duration) (*TelegramRelay, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramRelay{bot: bot}, nil
}

// Send implements Relay. The Bot API client does not thread contexts through
// its requests; cancellation is checked up front and the wire call is bounded
// by the client timeout configured at construction.
func (r *TelegramRelay) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Summary formats the fallback notification for one message: sender identity,
// subject, and body.
func Summary(taskTitle, fromPhone, text string) string {
	return fmt.Sprintf("Нове повідомлення по таску '%s' від %s:\n%s", taskTitle, fromPhone, text)
}
