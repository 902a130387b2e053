// Package extractor turns a free-text product description into structured
// attributes. Implementations fail explicitly and classify failures as
// retryable or not; none of them retries on its own.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/m3rciful/marketbot/market/listing"
)

// Options tune the backing model. A nil Temperature leaves the client's
// setting in place, so an explicit zero is honoured.
type Options struct {
	Temperature *float64
	MaxTokens   int
	Model       string
}

// Temp returns a temperature setting for Options or HTTPConfig.
func Temp(v float64) *float64 { return &v }

// Request describes one extraction.
type Request struct {
	Text        string
	Category    string
	Subcategory string
	// Expected lists attribute names in display order.
	Expected []string
	Options  Options
}

// Result is a successful extraction. Absent attributes are omitted.
type Result struct {
	Attributes listing.Attributes
	Confidence float64
	// PriceSuggestion is nil unless the backend produced a usable range.
	PriceSuggestion *listing.PriceSuggestion
}

// Extractor is implemented by HTTPClient and Offline.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// Kind classifies an extraction failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindEmpty     Kind = "empty"
	KindMalformed Kind = "malformed"
	KindInput     Kind = "input"
)

// Error is returned by every Extractor on failure.
type Error struct {
	Kind      Kind
	Retryable bool
	// Status is the HTTP status code for KindStatus failures.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := "extractor: " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is an extraction failure worth resubmitting.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func statusError(code int, body string) *Error {
	retryable := code >= 500 || code == 429 || code == 408
	var cause error
	if body != "" {
		cause = errors.New(body)
	}
	return &Error{Kind: KindStatus, Retryable: retryable, Status: code, Err: cause}
}

var placeholders = map[string]struct{}{
	"":              {},
	"unknown":       {},
	"n/a":           {},
	"na":            {},
	"none":          {},
	"null":          {},
	"not available": {},
	"not found":     {},
	"_not found_":   {},
	"-":             {},
}

// IsPlaceholder reports whether v carries no information.
func IsPlaceholder(v string) bool {
	_, ok := placeholders[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// arrange keeps expected attributes first in catalog order, then extras in
// the order they were produced, and drops placeholder values.
func arrange(raw listing.Attributes, expected []string) listing.Attributes {
	canonical := make(map[string]string, len(expected))
	for _, name := range expected {
		canonical[strings.ToLower(name)] = name
	}
	found := make(map[string]string, raw.Len())
	var extras []string
	raw.Each(func(k, v string) bool {
		v = strings.TrimSpace(v)
		if IsPlaceholder(v) {
			return true
		}
		if name, ok := canonical[strings.ToLower(k)]; ok {
			found[name] = v
			return true
		}
		if _, seen := found[k]; !seen {
			extras = append(extras, k)
		}
		found[k] = v
		return true
	})
	var out listing.Attributes
	for _, name := range expected {
		if v, ok := found[name]; ok {
			out.Set(name, v)
		}
	}
	for _, k := range extras {
		out.Set(k, found[k])
	}
	return out
}

var (
	criticalAttrs = []string{"brand", "model", "product type", "title"}
	unitPattern   = regexp.MustCompile(`(?i)\d+\s?(gb|tb|mhz|ghz|inches|w|hz|mah|mp|db|mm|kg|sqm)\b`)
)

// Confidence scores an extraction: the share of expected attributes found,
// boosted for identifying and technical attributes, capped at 1.
func Confidence(attrs listing.Attributes, expected []string) float64 {
	if attrs.Len() == 0 {
		return 0
	}
	total := len(expected)
	if total == 0 {
		total = attrs.Len()
	}
	found := 0
	for _, name := range expected {
		if _, ok := attrs.Get(name); ok {
			found++
		}
	}
	if len(expected) == 0 {
		found = attrs.Len()
	}
	score := float64(found) / float64(total)

	critical := 0
	technical := false
	attrs.Each(func(k, v string) bool {
		lk := strings.ToLower(k)
		for _, c := range criticalAttrs {
			if strings.Contains(lk, c) {
				critical++
				break
			}
		}
		if unitPattern.MatchString(v) {
			technical = true
		}
		return true
	})
	score += 0.1 * math.Min(float64(critical), 3)
	if technical {
		score += 0.1
	}
	return round2(math.Min(score, 1))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return round2(f)
}
