package logger

import (
	"log/slog"
	"strings"
)

// Component names. They lead every kv line, so keep them short.
const (
	CompApp       = "app"
	CompDB        = "db"
	CompMigrate   = "db.migrate"
	CompTelegram  = "tg"
	CompWire      = "tg.wire"
	CompMailbox   = "tg.mailbox"
	CompSender    = "tg.sender"
	CompWizard    = "wizard"
	CompExtractor = "extractor"
	CompStore     = "store"
	CompSessions  = "sessions"
	CompExport    = "export"
	CompHTTP      = "http"
)

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	}
	return "ERROR"
}

// normalizeStatus lowercases known statuses; unknown values pass through.
func normalizeStatus(s string) string {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "ok", "fail", "skip", "retry", "rate_limited", "cancelled":
		return norm
	}
	return s
}

// normalizeOutcome accepts only the handler outcomes the dashboards know.
func normalizeOutcome(o string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(o))
	switch norm {
	case "ok", "fail", "skip", "busy", "cancelled", "rate_limited":
		return norm, true
	}
	return "", false
}

// defaultKeyOrder puts the fields read most often first.
var defaultKeyOrder = []string{
	"ts", "level", "component", "event", "status",
	"rid", "rid_full", "draft_id", "ts_unix_nano",
	"update_id", "user_id", "chat_id", "chat_type",
	"handler", "kind", "cb_key", "outcome", "duration_ms",
	"messages", "kb", "payload", "lang", "username",
	"mode", "listen", "public_url", "http_code", "driver", "db",
	"state", "from_state", "to_state", "action",
	"category", "subcategory", "listing_id", "price", "attributes", "file",
	"queue_len", "active", "err", "err_code", "retryable", "attempts", "backoff_ms",
}
