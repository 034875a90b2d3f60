package notifier

import (
	"context"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers alerts to one operator chat.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender builds a send-only Bot API client. It performs the
// initial getMe handshake, so it fails fast on a bad token.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

// SendText posts one message. telebot sends have no context parameter;
// the HTTP client timeout bounds the call.
func (t *TelegramSender) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
