package tgbot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m3rciful/marketbot/core/logger"
	tgsender "github.com/m3rciful/marketbot/core/telegram/sender"
	"github.com/m3rciful/marketbot/market/wizard"

	tele "gopkg.in/telebot.v4"
)

// Notifier sends interim wizard replies straight to a user's private chat.
// Until a bot is attached it drops them.
type Notifier struct {
	mu   sync.RWMutex
	bot  *tele.Bot
	disp *tgsender.Dispatcher
}

// NewNotifier returns a detached notifier.
func NewNotifier() *Notifier { return &Notifier{} }

// Attach sets the live bot and sender. Passing nils detaches.
func (n *Notifier) Attach(bot *tele.Bot, disp *tgsender.Dispatcher) {
	n.mu.Lock()
	n.bot, n.disp = bot, disp
	n.mu.Unlock()
}

// SendErrors reports failed outbound calls of the attached sender.
func (n *Notifier) SendErrors() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.disp == nil {
		return 0
	}
	return n.disp.ErrorCount()
}

// Notify implements wizard.Notifier. It returns after delivery so the
// interim message lands before the final reply.
func (n *Notifier) Notify(ctx context.Context, userID int64, r wizard.Reply) {
	n.mu.RLock()
	bot, disp := n.bot, n.disp
	n.mu.RUnlock()
	if bot == nil {
		return
	}

	markup, _ := Markup(r.Keyboard)
	chat := tele.ChatID(userID)
	run := func() error {
		if r.SideEffect == wizard.SideEffectExtractionInFlight {
			_ = bot.Notify(chat, tele.Typing)
		}
		_, err := bot.Send(chat, r.Message, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup})
		return err
	}

	var err error
	if disp != nil {
		err = disp.Do(ctx, "notify", "sendMessage", run)
	} else {
		err = run()
	}
	if err != nil {
		logger.Warn(ctx, logger.CompTelegram, "notify.failed",
			slog.Int64("user_id", userID),
			slog.String("side_effect", string(r.SideEffect)),
		)
	}
}
