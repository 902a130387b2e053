package listing

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Attributes is an ordered attribute name -> value mapping.
// The zero value is ready to use.
type Attributes struct {
	keys   []string
	values map[string]string
}

// NewAttributes builds Attributes from alternating name/value pairs.
func NewAttributes(pairs ...string) Attributes {
	var a Attributes
	for i := 0; i+1 < len(pairs); i += 2 {
		a.Set(pairs[i], pairs[i+1])
	}
	return a
}

// Set stores value under name, keeping the original position when name already exists.
func (a *Attributes) Set(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, ok := a.values[name]; !ok {
		a.keys = append(a.keys, name)
	}
	a.values[name] = value
}

// Get returns the value for name.
func (a Attributes) Get(name string) (string, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Keys returns attribute names in insertion order.
func (a Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len reports the number of attributes.
func (a Attributes) Len() int { return len(a.keys) }

// Each calls fn for every attribute in order until fn returns false.
func (a Attributes) Each(fn func(name, value string) bool) {
	for _, k := range a.keys {
		if !fn(k, a.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy.
func (a Attributes) Clone() Attributes {
	var out Attributes
	a.Each(func(k, v string) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Map returns an unordered copy, useful for log details.
func (a Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.keys))
	for _, k := range a.keys {
		out[k] = a.values[k]
	}
	return out
}

// MarshalJSON encodes the attributes as a flat JSON object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object preserving key order.
// Non-string scalar values are kept in their JSON text form.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	*a = Attributes{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attributes: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("attributes: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("attributes: non-string key %v", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("attributes: %w", err)
		}
		switch v := vt.(type) {
		case string:
			a.Set(key, v)
		case json.Number:
			a.Set(key, v.String())
		case bool:
			a.Set(key, fmt.Sprint(v))
		case nil:
			// absent values are omitted
		default:
			return fmt.Errorf("attributes: value for %q is not a scalar", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	return nil
}
