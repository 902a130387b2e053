package middleware

import (
	tele "gopkg.in/telebot.v4"
)

const countersKey = "reply_counters"

// Counters tracks what a handler sent in response to one update.
type Counters struct {
	Messages int
	Keyboard bool
}

func (n *Counters) add(opts []any) {
	n.Messages++
	if hasKeyboard(opts) {
		n.Keyboard = true
	}
}

func hasKeyboard(opts []any) bool {
	for _, o := range opts {
		switch v := o.(type) {
		case *tele.ReplyMarkup:
			return v != nil
		case *tele.SendOptions:
			if v != nil && v.ReplyMarkup != nil {
				return true
			}
		}
	}
	return false
}

// countingContext counts successful outgoing messages and edits.
type countingContext struct {
	tele.Context
	n *Counters
}

func (c countingContext) track(err error, opts []any) error {
	if err == nil {
		c.n.add(opts)
	}
	return err
}

func (c countingContext) Send(what any, opts ...any) error {
	return c.track(c.Context.Send(what, opts...), opts)
}

func (c countingContext) Reply(what any, opts ...any) error {
	return c.track(c.Context.Reply(what, opts...), opts)
}

func (c countingContext) Edit(what any, opts ...any) error {
	return c.track(c.Context.Edit(what, opts...), opts)
}

func (c countingContext) EditOrSend(what any, opts ...any) error {
	return c.track(c.Context.EditOrSend(what, opts...), opts)
}

func (c countingContext) EditOrReply(what any, opts ...any) error {
	return c.track(c.Context.EditOrReply(what, opts...), opts)
}

// MessageMetricsMiddleware counts replies per update; read them with GetCounters.
func MessageMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		n := &Counters{}
		c.Set(countersKey, n)
		return next(countingContext{Context: c, n: n})
	}
}

// GetCounters returns the reply counters for c; zero when metrics are off.
func GetCounters(c tele.Context) Counters {
	if n, ok := c.Get(countersKey).(*Counters); ok && n != nil {
		return *n
	}
	return Counters{}
}
