package extractor

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/m3rciful/marketbot/market/listing"
)

// Offline is a deterministic pattern-based extractor for development and
// tests. It needs no network and never fails on non-empty input.
type Offline struct{}

type detector struct {
	// keywords select the expected attribute that receives the value; the
	// first keyword doubles as the attribute name when nothing is expected.
	keywords []string
	exclude  string
	find     func(text string) string
}

var (
	brands = map[string]string{
		"apple": "Apple", "iphone": "Apple", "ipad": "Apple", "macbook": "Apple",
		"samsung": "Samsung", "galaxy": "Samsung", "sony": "Sony", "jbl": "JBL",
		"lenovo": "Lenovo", "thinkpad": "Lenovo", "dell": "Dell", "hp": "HP",
		"asus": "ASUS", "xiaomi": "Xiaomi", "google": "Google", "pixel": "Google",
		"huawei": "Huawei", "lg": "LG", "bose": "Bose",
	}
	colors = []string{
		"space gray", "space grey", "rose gold", "midnight", "graphite", "starlight",
		"black", "white", "silver", "gold", "blue", "red", "green", "purple", "pink",
	}

	wordRe    = regexp.MustCompile(`[A-Za-z]+`)
	modelRe   = regexp.MustCompile(`(?i)\b(iphone|ipad|galaxy|macbook|pixel|thinkpad|xps|flip)\s*([a-z]*\s?\d+[a-z0-9]*(?:\s(?:pro|max|ultra|plus|mini|air|fe)\b)*)`)
	storageRe = regexp.MustCompile(`(?i)\b(\d+)\s?(gb|tb)\b(?:\s?(?:ssd|hdd|storage))?`)
	ramRe     = regexp.MustCompile(`(?i)\b(\d+)\s?gb\s?(?:ram|memory)\b`)
	screenRe  = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?(?:inches|inch|in\b|")`)
	yearRe    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	roomsRe   = regexp.MustCompile(`(?i)\b(\d+)\s?(?:rooms?|bedrooms?)\b`)
	areaRe    = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?(?:sqm|m2|m²)`)
)

var detectors = []detector{
	{keywords: []string{"brand"}, find: findBrand},
	{keywords: []string{"model"}, find: func(text string) string {
		m := modelRe.FindStringSubmatch(text)
		if m == nil {
			return ""
		}
		return strings.TrimSpace(canonicalLine(m[1]) + " " + titleWords(m[2]))
	}},
	{keywords: []string{"ram"}, find: func(text string) string {
		if m := ramRe.FindStringSubmatch(text); m != nil {
			return m[1] + "GB"
		}
		return ""
	}},
	{keywords: []string{"storage"}, exclude: "type", find: func(text string) string {
		for _, loc := range storageRe.FindAllStringSubmatchIndex(text, -1) {
			rest := strings.ToLower(strings.TrimSpace(text[loc[1]:]))
			if strings.HasPrefix(rest, "ram") || strings.HasPrefix(rest, "memory") {
				continue
			}
			return text[loc[2]:loc[3]] + strings.ToUpper(text[loc[4]:loc[5]])
		}
		return ""
	}},
	{keywords: []string{"color", "colour"}, find: func(text string) string {
		lower := strings.ToLower(text)
		for _, c := range colors {
			if strings.Contains(lower, c) {
				return titleWords(c)
			}
		}
		return ""
	}},
	{keywords: []string{"screen size"}, find: func(text string) string {
		if m := screenRe.FindStringSubmatch(text); m != nil {
			return m[1] + " inches"
		}
		return ""
	}},
	{keywords: []string{"year"}, find: func(text string) string {
		return yearRe.FindString(text)
	}},
	{keywords: []string{"rooms"}, find: func(text string) string {
		if m := roomsRe.FindStringSubmatch(text); m != nil {
			return m[1]
		}
		return ""
	}},
	{keywords: []string{"area"}, exclude: "land", find: func(text string) string {
		if m := areaRe.FindStringSubmatch(text); m != nil {
			return m[1] + " sqm"
		}
		return ""
	}},
}

// Extract detects well-known patterns in req.Text.
func (Offline) Extract(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, classifyTransport(ctx, err)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, &Error{Kind: KindInput, Err: errors.New("empty text")}
	}
	var raw listing.Attributes
	for _, d := range detectors {
		name := target(d, req.Expected)
		if name == "" {
			continue
		}
		if _, taken := raw.Get(name); taken {
			continue
		}
		if v := d.find(text); v != "" {
			raw.Set(name, v)
		}
	}
	attrs := arrange(raw, req.Expected)
	return Result{Attributes: attrs, Confidence: Confidence(attrs, req.Expected)}, nil
}

func target(d detector, expected []string) string {
	if len(expected) == 0 {
		return titleWords(d.keywords[0])
	}
	for _, name := range expected {
		lower := strings.ToLower(name)
		if d.exclude != "" && strings.Contains(lower, d.exclude) {
			continue
		}
		for _, kw := range d.keywords {
			if strings.Contains(lower, kw) {
				return name
			}
		}
	}
	return ""
}

func findBrand(text string) string {
	for _, w := range wordRe.FindAllString(text, -1) {
		if b, ok := brands[strings.ToLower(w)]; ok {
			return b
		}
	}
	return ""
}

func canonicalLine(word string) string {
	switch strings.ToLower(word) {
	case "iphone":
		return "iPhone"
	case "ipad":
		return "iPad"
	case "macbook":
		return "MacBook"
	case "thinkpad":
		return "ThinkPad"
	case "xps":
		return "XPS"
	}
	return titleWords(word)
}

func titleWords(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}
