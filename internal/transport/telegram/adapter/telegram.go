// Package adapter binds the opaque transport surface to Telegram via telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

type Config struct {
	Token string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: this bot only sends and edits; it consumes no updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.log.Info("adapter ready", logx.String("bot", a.bot.Me.Username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, sendOptions(to.ThreadID, opt))
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOptions(0, opt))
	return mapError(err)
}

// ResolveChat reports whether the bot can still see the chat. A Telegram API
// error (kicked, chat deleted, never joined) means absent; a network failure
// is surfaced so the caller can abort instead of silently dropping everyone.
func (a *Adapter) ResolveChat(ctx context.Context, chatID int64) (kit.ChatTarget, bool, error) {
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		var apiErr *tele.Error
		if errors.As(err, &apiErr) {
			a.log.Debug("chat unresolvable", logx.Int64("chat_id", chatID), logx.Err(err))
			return kit.ChatTarget{}, false, nil
		}
		return kit.ChatTarget{}, false, err
	}
	return kit.ChatTarget{ChatID: chat.ID}, true, nil
}

func sendOptions(threadID int, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

// mapError normalizes telebot failures: Telegram 429s become the engine's
// recoverable rate-limit signal, everything else passes through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	return err
}
