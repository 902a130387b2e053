// Package tgbot turns Telegram updates into wizard events and renders the
// wizard's replies back as Markdown messages with inline keyboards.
package tgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/marketbot/core/buildinfo"
	"github.com/m3rciful/marketbot/core/logger"
	coretelegram "github.com/m3rciful/marketbot/core/telegram"
	"github.com/m3rciful/marketbot/core/telegram/callbacks"
	"github.com/m3rciful/marketbot/core/telegram/commands"
	"github.com/m3rciful/marketbot/core/telegram/format"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"
	"github.com/m3rciful/marketbot/core/telegram/mailbox"
	"github.com/m3rciful/marketbot/core/telegram/router"
	"github.com/m3rciful/marketbot/market/wizard"

	tele "gopkg.in/telebot.v4"
)

// Handler applies one wizard event. *wizard.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, ev wizard.Event) (wizard.Reply, error)
}

// Options configures a Bot.
type Options struct {
	// AdminID enables /stats for that user. Zero disables the command.
	AdminID int64
	// Notifier is attached to the runtime on start so interim replies can
	// be delivered outside a handler.
	Notifier *Notifier
	// ShutdownTimeout bounds how long OnStop waits for queued events.
	ShutdownTimeout time.Duration
}

// Bot is the Telegram front of the wizard. Every update of a user goes
// through that user's mailbox, so events are applied in arrival order and a
// slow extraction never blocks other users.
type Bot struct {
	handler  Handler
	mailbox  *mailbox.Mailbox
	notifier *Notifier
	adminID  int64
	shutdown time.Duration
	started  time.Time

	render func(c tele.Context, r wizard.Reply) error
}

type commandSpec struct {
	name        string
	description string
	aliases     []string
}

var wizardCommands = []commandSpec{
	{name: wizard.CommandStart, description: "Welcome and main menu"},
	{name: wizard.CommandSell, description: "Create a new listing", aliases: []string{"plaseaza_anunt"}},
	{name: wizard.CommandMyListings, description: "Show your recent listings"},
	{name: wizard.CommandStatus, description: "Show where you are in the wizard"},
	{name: wizard.CommandCancel, description: "Cancel the current listing"},
	{name: wizard.CommandHelp, description: "How the bot works"},
}

var buttonActions = []string{
	wizard.ActionSell,
	wizard.ActionCategory,
	wizard.ActionSubcategory,
	wizard.ActionBack,
	wizard.ActionConfirm,
	wizard.ActionRetype,
	wizard.ActionCancel,
}

const defaultShutdownTimeout = 10 * time.Second

// New returns a Bot that feeds h through mb.
func New(h Handler, mb *mailbox.Mailbox, opts Options) *Bot {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Bot{
		handler:  h,
		mailbox:  mb,
		notifier: opts.Notifier,
		adminID:  opts.AdminID,
		shutdown: opts.ShutdownTimeout,
		started:  time.Now(),
		render:   Render,
	}
}

// Register binds the wizard commands, buttons and free text to reg.
func (b *Bot) Register(reg *coretelegram.Registry) error {
	cmds := make([]commands.Command, 0, len(wizardCommands)+1)
	for _, def := range wizardCommands {
		cmds = append(cmds, commands.Command{
			Name:        def.name,
			Handler:     b.command(def.name),
			Description: def.description,
			Aliases:     def.aliases,
		})
	}
	if b.adminID != 0 {
		cmds = append(cmds, commands.Command{
			Name:        "stats",
			Handler:     b.stats,
			Description: "Runtime statistics",
			AdminOnly:   true,
			Hidden:      true,
		})
	}
	for _, cmd := range cmds {
		if err := reg.RegisterCommand(cmd); err != nil {
			return fmt.Errorf("tgbot: %w", err)
		}
	}
	for _, action := range buttonActions {
		if err := reg.RegisterCallback(action, b.button(action)); err != nil {
			return fmt.Errorf("tgbot: %w", err)
		}
	}
	reg.SetTextFallback(b.text)
	return nil
}

// Routes returns the handlers to mount on the bot for reg.
func (b *Bot) Routes(reg *coretelegram.Registry) []coretelegram.Route {
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID: b.adminID,
	})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))
	routes = append(routes, router.TextRoutes(reg, router.TextOptions{
		UnknownDocument: b.textOnly,
		AdminID:         b.adminID,
	})...)
	return routes
}

// OnStart hands the live bot to the notifier.
func (b *Bot) OnStart(_ context.Context, rt coretelegram.Runtime) error {
	if b.notifier != nil {
		b.notifier.Attach(rt.Bot, rt.Dispatcher)
	}
	logger.Info(context.Background(), logger.CompTelegram, "bot.ready",
		slog.Int("commands", len(rt.Registry.Commands())),
		slog.Int("callbacks", len(rt.Registry.ListCallbacks())),
	)
	return nil
}

// OnStop drains queued events before the sender shuts down.
func (b *Bot) OnStop(ctx context.Context, _ coretelegram.Runtime) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.shutdown)
	defer cancel()
	err := b.mailbox.Close(ctx)
	if b.notifier != nil {
		b.notifier.Attach(nil, nil)
	}
	if err != nil {
		logger.Warn(ctx, logger.CompTelegram, "mailbox.drain_timeout", slog.Int("active", b.mailbox.Active()))
	}
	return nil
}

func (b *Bot) command(name string) tele.HandlerFunc {
	return func(c tele.Context) error {
		ev, ok := newEvent(c, wizard.EventCommand)
		if !ok {
			return nil
		}
		ev.Command = name
		return b.dispatch(c, ev)
	}
}

func (b *Bot) button(action string) tele.HandlerFunc {
	return func(c tele.Context) error {
		ev, ok := newEvent(c, wizard.EventButton)
		if !ok {
			return nil
		}
		ev.Action = action
		ev.Payload = callbacks.Payload(c)
		return b.dispatch(c, ev)
	}
}

func (b *Bot) text(c tele.Context) error {
	ev, ok := newEvent(c, wizard.EventText)
	if !ok {
		return nil
	}
	ev.Payload = c.Text()
	return b.dispatch(c, ev)
}

func (b *Bot) textOnly(c tele.Context) error {
	return tghelpers.SendMD(c, "📝 Please send the details as a text message.")
}

func newEvent(c tele.Context, typ wizard.EventType) (wizard.Event, bool) {
	u := c.Sender()
	if u == nil || u.IsBot {
		return wizard.Event{}, false
	}
	return wizard.Event{Type: typ, UserID: u.ID, UserName: u.Username}, true
}

// dispatch queues ev behind the user's earlier events. The reply is
// rendered from the user's mailbox goroutine once the engine is done.
func (b *Bot) dispatch(c tele.Context, ev wizard.Event) error {
	ctx := tghelpers.BuildContext(c)
	err := b.mailbox.Submit(ctx, ev.UserID, func(ctx context.Context) {
		reply, err := b.handler.Handle(ctx, ev)
		if err != nil {
			logger.Warn(ctx, logger.CompTelegram, "event.failed",
				slog.String("event", string(ev.Type)),
				slog.String("err_code", wizard.ErrorCode(err)),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
			if reply.Message == "" {
				reply = wizard.FailureReply(err)
			}
		}
		if err := b.render(c, reply); err != nil {
			logger.Error(ctx, logger.CompTelegram, "reply.failed",
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
		}
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mailbox.ErrBusy):
		return b.render(c, wizard.BusyReply())
	default:
		_ = b.render(c, wizard.FailureReply(err))
		return err
	}
}

func (b *Bot) stats(c tele.Context) error {
	var failed uint64
	if b.notifier != nil {
		failed = b.notifier.SendErrors()
	}
	text := fmt.Sprintf("📊 *marketbot* %s\n\nUptime: %s\nActive conversations: %d\nFailed sends: %d",
		format.MD(buildinfo.String()),
		time.Since(b.started).Round(time.Second),
		b.mailbox.Active(),
		failed,
	)
	return tghelpers.SendMD(c, text)
}
