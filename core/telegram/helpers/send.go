package helpers

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

var dispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher installs the sender used by SendMD and EditOrSendMD.
// With nil the helpers call Telegram directly.
func SetDispatcher(d *sender.Dispatcher) { dispatcher.Store(d) }

func markdown(markup []*tele.ReplyMarkup) *tele.SendOptions {
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdown}
	if len(markup) > 0 {
		opts.ReplyMarkup = markup[0]
	}
	return opts
}

// SendMD queues a Markdown message to the current chat. When the queue
// refuses the call it is sent inline instead.
func SendMD(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := markdown(markup)
	run := func() error { return c.Send(text, opts) }

	d := dispatcher.Load()
	if d == nil {
		return run()
	}
	ctx := BuildContext(c)
	err := d.Enqueue(ctx, "send.md", "sendMessage", run)
	if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
		logger.Warn(ctx, logger.CompSender, "queue.fallback", slog.String("reason", err.Error()))
		return run()
	}
	return err
}

// EditOrSendMD replaces the message behind a callback, or sends a new one
// when there is nothing to edit or Telegram refuses the edit. It blocks
// until Telegram accepted the message so replies of one user stay ordered.
func EditOrSendMD(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := markdown(markup)
	run := func() error {
		if c.Callback() != nil && c.Edit(text, opts) == nil {
			return nil
		}
		return c.Send(text, opts)
	}

	d := dispatcher.Load()
	if d == nil {
		return run()
	}
	return d.Do(BuildContext(c), "edit_or_send.md", "editMessageText", run)
}
