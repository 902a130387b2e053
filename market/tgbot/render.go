package tgbot

import (
	"log/slog"

	"github.com/m3rciful/marketbot/core/logger"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"
	"github.com/m3rciful/marketbot/core/telegram/keyboard"
	"github.com/m3rciful/marketbot/market/wizard"

	tele "gopkg.in/telebot.v4"
)

// navActions share the bottom keyboard row.
var navActions = map[string]bool{
	wizard.ActionBack:   true,
	wizard.ActionCancel: true,
}

// Markup lays out reply buttons one per row with navigation buttons
// together at the bottom. It returns nil for an empty keyboard.
func Markup(buttons []wizard.Button) (*tele.ReplyMarkup, error) {
	if len(buttons) == 0 {
		return nil, nil
	}
	var (
		rows [][]keyboard.InlineBtn
		nav  []keyboard.InlineBtn
	)
	for _, b := range buttons {
		btn := keyboard.InlineBtn{Text: b.Label, Unique: b.Action, Data: b.Value}
		if navActions[b.Action] {
			nav = append(nav, btn)
			continue
		}
		rows = append(rows, []keyboard.InlineBtn{btn})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return keyboard.InlineButtonsRows(rows...)
}

// Render delivers r in the chat of c. Button presses edit the message
// that carried the button; anything else gets a new message.
func Render(c tele.Context, r wizard.Reply) error {
	markup, err := Markup(r.Keyboard)
	if err != nil {
		logger.Warn(tghelpers.BuildContext(c), logger.CompTelegram, "keyboard.invalid",
			slog.String("err", err.Error()),
		)
	}
	if markup == nil {
		return tghelpers.EditOrSendMD(c, r.Message)
	}
	return tghelpers.EditOrSendMD(c, r.Message, markup)
}
