package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	coreconfig "github.com/m3rciful/marketbot/core/config"
)

type settings struct {
	format    logFormat
	level     slog.Level
	order     []string
	sampleNum int
	sampleDen int
	trace     bool
	profile   string
	// file is the optional log file next to stdout.
	file string
}

func settingsFrom(cfg *coreconfig.Config) settings {
	s := settings{
		format:    formatJSON,
		level:     slog.LevelInfo,
		order:     defaultKeyOrder,
		sampleNum: 1,
		sampleDen: 50,
		trace:     envFlag("TRACE") || envFlag("LOG_TRACE"),
		profile:   "prod",
	}
	if cfg == nil {
		return s
	}
	lc := cfg.Logging
	if p := strings.ToLower(strings.TrimSpace(lc.Profile)); p != "" {
		s.profile = p
	}
	s.format = parseFormat(lc.Format, s.profile)
	s.level = parseLevel(lc.Level)
	if order := parseKeyOrder(lc.KeysOrder); len(order) > 0 {
		s.order = order
	}
	s.sampleNum, s.sampleDen = parseRatio(lc.DebugSample, 1, 50)
	if dir, name := strings.TrimSpace(lc.Dir), strings.TrimSpace(lc.BotFile); dir != "" && name != "" {
		s.file = filepath.Join(dir, name)
	}
	return s
}

func parseFormat(raw, profile string) logFormat {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "json":
		return formatJSON
	case "kv", "text", "pretty":
		return formatKV
	}
	if profile == "debug" || profile == "dev" {
		return formatKV
	}
	return formatJSON
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// parseKeyOrder reads a comma separated key list; "" and "default" give nil.
func parseKeyOrder(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// parseRatio accepts "a/b", "n" (one in n), and "0" or "all" to keep
// everything. Anything else yields the defaults.
func parseRatio(raw string, defNum, defDen int) (int, int) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return defNum, defDen
	case "0", "all":
		return 0, 0
	}
	if a, b, ok := strings.Cut(raw, "/"); ok {
		num, err1 := strconv.Atoi(strings.TrimSpace(a))
		den, err2 := strconv.Atoi(strings.TrimSpace(b))
		if err1 != nil || err2 != nil || num <= 0 || den <= 0 {
			return defNum, defDen
		}
		return num, den
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defNum, defDen
	}
	if n == 0 {
		return 0, 0
	}
	return 1, n
}

func envFlag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func openSinks(s settings) ([]io.Writer, []io.Closer, error) {
	sinks := []io.Writer{os.Stdout}
	if s.file == "" {
		return sinks, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logger: create log dir: %w", err)
	}
	f, err := os.OpenFile(s.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open log file: %w", err)
	}
	return append(sinks, f), []io.Closer{f}, nil
}
