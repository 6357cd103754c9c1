package logx

import (
	"context"
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// Sender delivers a formatted log line to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, threadID int, text string) error
}

type telebotSender struct {
	bot *tele.Bot
}

// NewTelegramSender builds an offline telebot client (no polling) that only sends.
func NewTelegramSender(token string) (Sender, error) {
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &telebotSender{bot: b}, nil
}

func (t *telebotSender) Send(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if threadID != 0 {
		opts.ThreadID = threadID
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, opts)
	return err
}
