// Package keyboard builds inline keyboards whose callback data round-trips
// through callbacks.ParseCallbackData.
package keyboard

import (
	"errors"

	"github.com/m3rciful/marketbot/core/telegram/callbacks"

	tele "gopkg.in/telebot.v4"
)

// InlineBtn describes a convenience wrapper for inline button properties.
type InlineBtn struct {
	Text   string
	Unique string
	Data   string
}

// InlineButtonsRows builds an inline keyboard from rows of InlineBtn.
// Buttons that cannot be encoded are left out and reported in the error;
// the markup still holds every valid button. Empty rows are skipped.
func InlineButtonsRows(rows ...[]InlineBtn) (*tele.ReplyMarkup, error) {
	markup := &tele.ReplyMarkup{}
	var errs []error
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, btn := range row {
			if err := callbacks.Validate(btn.Unique, btn.Data); err != nil {
				errs = append(errs, err)
				continue
			}
			r = append(r, *markup.Data(btn.Text, btn.Unique, btn.Data).Inline())
		}
		if len(r) > 0 {
			inline = append(inline, r)
		}
	}
	markup.InlineKeyboard = inline
	return markup, errors.Join(errs...)
}

// InlineButtonsNPerRow splits a flat list of buttons into rows with up to n buttons per row.
// If n <= 1, every button gets its own row.
func InlineButtonsNPerRow(buttons []InlineBtn, n int) (*tele.ReplyMarkup, error) {
	return InlineButtonsRows(Chunk(buttons, n)...)
}

// Chunk splits buttons into rows of at most n.
func Chunk(buttons []InlineBtn, n int) [][]InlineBtn {
	if n < 1 {
		n = 1
	}
	rows := make([][]InlineBtn, 0, (len(buttons)+n-1)/n)
	for i := 0; i < len(buttons); i += n {
		end := min(i+n, len(buttons))
		rows = append(rows, buttons[i:end])
	}
	return rows
}
