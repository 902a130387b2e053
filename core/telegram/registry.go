package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/telegram/commands"

	tele "gopkg.in/telebot.v4"
)

// Registry collects commands, callback handlers and the text fallback before
// routes are built. It is safe for concurrent use.
type Registry struct {
	mu               sync.RWMutex
	commands         map[string]commands.Command
	aliases          map[string]string
	callbacks        map[string]tele.HandlerFunc
	callbackNotFound tele.HandlerFunc
	textFallback     tele.HandlerFunc
}

// NewRegistry returns an empty registry. Unknown callbacks are answered with
// a short notice until SetCallbackNotFound replaces it.
func NewRegistry() *Registry {
	return &Registry{
		commands:  make(map[string]commands.Command),
		aliases:   make(map[string]string),
		callbacks: make(map[string]tele.HandlerFunc),
		callbackNotFound: func(c tele.Context) error {
			return c.Respond(&tele.CallbackResponse{Text: "Unsupported action"})
		},
	}
}

// RegisterCommand adds cmd under its canonical name. Names and aliases must
// be unique across the registry.
func (r *Registry) RegisterCommand(cmd commands.Command) error {
	name := commands.Canonical(cmd.Name)
	if name == "" || cmd.Handler == nil || cmd.Description == "" {
		return r.rejectCommand(cmd.Name, "incomplete")
	}
	aliases := make([]string, 0, len(cmd.Aliases))
	for _, a := range cmd.Aliases {
		if a = commands.Canonical(a); a != "" && a != name {
			aliases = append(aliases, a)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range append([]string{name}, aliases...) {
		if _, taken := r.commands[key]; taken {
			return r.rejectCommand(key, "duplicate")
		}
		if _, taken := r.aliases[key]; taken {
			return r.rejectCommand(key, "duplicate")
		}
	}
	cmd.Name, cmd.Aliases = name, aliases
	r.commands[name] = cmd
	for _, a := range aliases {
		r.aliases[a] = name
	}
	return nil
}

func (r *Registry) rejectCommand(name, reason string) error {
	logger.Warn(context.Background(), logger.CompWire, "register.command.skip",
		slog.String("name", name),
		slog.String("reason", reason),
	)
	return fmt.Errorf("command %q: %s", name, reason)
}

// LookupCommand resolves a name or alias in any spelling Canonical accepts.
func (r *Registry) LookupCommand(name string) (string, commands.Command, bool) {
	key := commands.Canonical(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	cmd, ok := r.commands[key]
	if !ok {
		return "", commands.Command{}, false
	}
	return key, cmd, true
}

// Commands returns every registered command sorted by name.
func (r *Registry) Commands() []commands.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]commands.Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// ListCommands converts the commands for SetCommands. With visibleOnly,
// hidden and admin commands are left out.
func (r *Registry) ListCommands(visibleOnly bool) []tele.Command {
	var out []tele.Command
	for _, cmd := range r.Commands() {
		if visibleOnly && !cmd.Visible() {
			continue
		}
		out = append(out, tele.Command{Text: cmd.Name[1:], Description: cmd.Description})
	}
	return out
}

// RegisterCallback maps a callback unique key to its handler.
func (r *Registry) RegisterCallback(key string, handler tele.HandlerFunc) error {
	if key == "" || handler == nil {
		return errors.New("invalid callback registration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[key]; exists {
		logger.Warn(context.Background(), logger.CompWire, "register.callback.duplicate",
			slog.String("key", key),
		)
		return fmt.Errorf("callback already registered: %s", key)
	}
	r.callbacks[key] = handler
	return nil
}

func (r *Registry) GetCallback(key string) (tele.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.callbacks[key]
	return h, ok
}

// ListCallbacks returns the sorted callback keys.
func (r *Registry) ListCallbacks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.callbacks))
	for k := range r.callbacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) SetCallbackNotFound(h tele.HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.callbackNotFound = h
	r.mu.Unlock()
}

func (r *Registry) CallbackNotFound() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbackNotFound
}

// SetTextFallback handles text that is not a known command.
func (r *Registry) SetTextFallback(h tele.HandlerFunc) {
	r.mu.Lock()
	r.textFallback = h
	r.mu.Unlock()
}

func (r *Registry) TextFallback() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.textFallback
}

// SetupCommands publishes the visible commands to the Telegram menu.
func SetupCommands(bot *tele.Bot, reg *Registry) {
	if bot == nil || reg == nil {
		return
	}
	list := reg.ListCommands(true)
	if err := bot.SetCommands(list); err != nil {
		logger.Error(context.Background(), logger.CompWire, "register.commands.set_failed",
			slog.String("err", err.Error()),
		)
		return
	}
	logger.Info(context.Background(), logger.CompWire, "register.commands.set",
		slog.Int("commands", len(list)),
	)
}
