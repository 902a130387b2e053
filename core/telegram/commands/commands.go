// Package commands describes the slash commands a bot exposes.
package commands

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Command is one slash command. Name and Aliases are stored in Canonical form.
type Command struct {
	Name        string
	Description string
	Handler     tele.HandlerFunc
	Aliases     []string
	// AdminOnly commands run only for the configured admin.
	AdminOnly bool
	Hidden    bool
}

// Visible reports whether the command belongs in the Telegram menu.
func (c Command) Visible() bool { return !c.Hidden && !c.AdminOnly }

// Canonical lowercases name and gives it exactly one leading slash.
// "/Sell@market_bot" and "sell" both become "/sell".
func Canonical(name string) string {
	name = strings.TrimSpace(name)
	name, _, _ = strings.Cut(name, "@")
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	return "/" + strings.ToLower(name)
}
