// Package format escapes user supplied text for Telegram parse modes.
package format

import "strings"

var (
	legacy = strings.NewReplacer(`_`, `\_`, `*`, `\*`, "`", "\\`", `[`, `\[`)
	v2     = newV2Replacer("_*[]()~`>#+-=|{}.!\\")
)

func newV2Replacer(specials string) *strings.Replacer {
	pairs := make([]string, 0, 2*len(specials))
	for _, r := range specials {
		pairs = append(pairs, string(r), `\`+string(r))
	}
	return strings.NewReplacer(pairs...)
}

// MD escapes text for the legacy Markdown mode that bot replies use.
func MD(text string) string { return legacy.Replace(text) }

// MDV2 escapes text for MarkdownV2.
func MDV2(text string) string { return v2.Replace(text) }
