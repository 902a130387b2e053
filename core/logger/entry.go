package logger

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// entry is one log line before encoding. Groups are flattened into dotted keys.
type entry map[string]any

func (e entry) add(prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	switch {
	case key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, child := range a.Value.Group() {
			e.add(key, child)
		}
		return
	}
	if key == "" {
		return
	}
	if k, v, ok := fieldValue(key, a.Value); ok {
		e[k] = v
	}
}

func (e entry) setDefault(key string, v any) {
	if _, ok := e[key]; !ok {
		e[key] = v
	}
}

func (e entry) addMeta(m meta) {
	if m.rid != "" {
		e.setDefault("rid", m.rid)
	}
	if m.draftID != "" {
		e.setDefault("draft_id", m.draftID)
	}
	if m.userID != 0 {
		e.setDefault("user_id", m.userID)
	}
	if m.updateID != 0 {
		e.setDefault("update_id", int64(m.updateID))
	}
	if m.chatID != 0 {
		e.setDefault("chat_id", m.chatID)
	}
	if m.handler != "" {
		e.setDefault("handler", m.handler)
	}
}

// finish fills event and component, compacts rid and normalizes enumerations.
func (e entry) finish(msg string, keepFullRID bool) {
	if rid, ok := e["rid"].(string); ok && rid != "" {
		if compact := CompactRID(rid); compact != rid {
			if keepFullRID {
				e.setDefault("rid_full", rid)
			}
			e["rid"] = compact
		}
	}
	if ev, _ := e["event"].(string); ev == "" {
		if msg == "" {
			msg = "unknown"
		}
		e["event"] = msg
	}
	if c, _ := e["component"].(string); c == "" {
		e["component"] = CompApp
	}
	if s, ok := e["status"].(string); ok {
		e["status"] = normalizeStatus(s)
	}
	if o, ok := e["outcome"].(string); ok {
		if norm, valid := normalizeOutcome(o); valid {
			e["outcome"] = norm
		} else {
			delete(e, "outcome")
		}
	}
	for k, v := range e {
		if v == nil || v == "" {
			delete(e, k)
		}
	}
}

// keys lists the configured keys first, then the rest alphabetically.
func (e entry) keys(order []string) []string {
	keys := make([]string, 0, len(e))
	seen := make(map[string]bool, len(e))
	for _, k := range order {
		if _, ok := e[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	rest := len(keys)
	for k := range e {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys[rest:])
	return keys
}

func (e entry) json(keys []string) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		v, err := json.Marshal(e[k])
		if err != nil {
			return nil, fmt.Errorf("logger: encode %s: %w", k, err)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (e entry) kv(keys []string) []byte {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(kvValue(e[k]))
	}
	return []byte(b.String())
}

func kvValue(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	if strings.IndexFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

// fieldValue converts a slog value to a JSON friendly one. Durations are
// written as integer milliseconds under a key ending in _ms.
func fieldValue(key string, v slog.Value) (string, any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(v.String()), true
	case slog.KindBool:
		return key, v.Bool(), true
	case slog.KindInt64:
		return key, v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return key, int64(u), true
		}
		return key, v.Uint64(), true
	case slog.KindFloat64:
		return key, v.Float64(), true
	case slog.KindDuration:
		return msKey(key), RoundMS(v.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano), true
	}

	switch x := v.Any().(type) {
	case nil:
		return "", nil, false
	case error:
		return key, x.Error(), true
	case time.Duration:
		return msKey(key), RoundMS(x).Milliseconds(), true
	case fmt.Stringer:
		return key, x.String(), true
	case string:
		return key, strings.TrimSpace(x), true
	default:
		return key, fmt.Sprint(x), true
	}
}

func msKey(key string) string {
	if strings.HasSuffix(key, "_ms") {
		return key
	}
	return key + "_ms"
}
