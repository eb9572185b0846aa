// Package notify is the notification channel boundary. Delivery success is
// the only signal callers may use to flip a one-shot "sent" flag.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Telegram sends alert, preview and urgent messages to one chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("🤖 Telegram connected")
	return &Telegram{api: api, chatID: chatID}, nil
}

// Send delivers a message and reports confirmed delivery. A false return
// means the caller should keep its state eligible and retry next tick.
func (t *Telegram) Send(text string) bool {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
		return false
	}
	return true
}

// SendUrgent is the distinct path for non-retryable execution failures.
func (t *Telegram) SendUrgent(text string) bool {
	return t.Send("🚨 <b>URGENT</b>\n" + text)
}

// SendWithButtons attaches an inline keyboard, one row per label/data pair.
func (t *Telegram) SendWithButtons(text string, buttons map[string]string) bool {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if len(buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for label, data := range buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(label, data),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
		return false
	}
	return true
}
