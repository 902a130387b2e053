package wizard

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// MaxPrice is the largest accepted asking price.
const MaxPrice = 1_000_000

var (
	currencyRe = regexp.MustCompile(`(?i)(\$|€|£|usd\b|eur\b|mdl\b|lei\b|ron\b)`)
	numberRe   = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)
)

// ParsePrice reads a non-negative price. Currency markers and spaces are
// ignored, attached or not. Any leading minus is rejected, "-0" included.
// A lone comma is a decimal separator, a comma next to a dot is a
// thousands separator. The result is rounded to cents.
func ParsePrice(raw string) (float64, error) {
	s := currencyRe.ReplaceAllString(strings.TrimSpace(raw), "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPrice)
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidPrice, raw)
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	if !numberRe.MatchString(s) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPrice, raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPrice, raw)
	}
	v = math.Round(v*100) / 100
	if v > MaxPrice {
		return 0, fmt.Errorf("%w: %q exceeds %d", ErrInvalidPrice, raw, MaxPrice)
	}
	return v, nil
}

// FormatPrice renders a price with two decimals.
func FormatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
