// Package callbacks encodes and decodes inline button callback_data.
//
// Telebot sends a button's data as "\f<unique>|<payload>". Handlers bound
// to one button get Unique already split off; the generic OnCallback route
// sees the raw form and decodes it here.
package callbacks

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxDataLen is the Telegram limit for callback_data in bytes.
const MaxDataLen = 64

// Separator splits the unique key from the payload.
const Separator = "|"

const marker = "\f"

// Encode renders the wire form of a button.
func Encode(unique, payload string) string {
	if payload == "" {
		return marker + unique
	}
	return marker + unique + Separator + payload
}

// Decode splits raw callback_data into key and payload. Only the first
// separator counts, so payloads may contain it.
func Decode(data string) (unique, payload string) {
	unique, payload, _ = strings.Cut(strings.TrimPrefix(data, marker), Separator)
	return strings.TrimSpace(unique), payload
}

// Validate reports whether a button fits the callback_data limit and can be
// routed back unambiguously.
func Validate(unique, payload string) error {
	switch {
	case unique == "":
		return fmt.Errorf("callback: empty unique key")
	case strings.Contains(unique, Separator):
		return fmt.Errorf("callback: unique %q contains %q", unique, Separator)
	}
	if n := len(Encode(unique, payload)); n > MaxDataLen {
		return fmt.Errorf("callback: data for %q is %d bytes, limit %d", unique, n, MaxDataLen)
	}
	return nil
}

// ParseCallbackData returns key and payload of cb, whichever route it took.
func ParseCallbackData(cb *tele.Callback) (string, string) {
	switch {
	case cb == nil:
		return "", ""
	case cb.Unique != "":
		return cb.Unique, cb.Data
	}
	return Decode(cb.Data)
}

// Payload returns the payload of the callback behind c.
func Payload(c tele.Context) string {
	_, p := ParseCallbackData(c.Callback())
	return p
}
