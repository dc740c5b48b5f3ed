// Package config loads nodeflow settings files and offers typed access to
// node configuration maps.
package config

import (
	"encoding/json"
	"time"
)

// Values wraps a node's config map for typed extraction.
// Accessors return defaultVal when the key is missing or the value cannot
// be converted.
type Values struct {
	data map[string]any
}

// NewValues wraps data. A nil map yields an empty Values.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// String returns the string value for key.
func (v Values) String(key, defaultVal string) string {
	if s, ok := v.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration for key.
//
// Accepts a time.ParseDuration string, a number of seconds, or a
// time.Duration.
func (v Values) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := v.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case time.Duration:
		return val
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	}
	return defaultVal
}

// Bool returns the boolean value for key.
func (v Values) Bool(key string, defaultVal bool) bool {
	if b, ok := v.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key. Floats convert only when they
// have no fractional part.
func (v Values) Int(key string, defaultVal int) int {
	switch val := v.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultVal
}

// Float returns the float64 value for key.
func (v Values) Float(key string, defaultVal float64) float64 {
	switch val := v.data[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
	}
	return defaultVal
}

// StringSlice returns the string list for key. Lists holding a non-string
// yield defaultVal.
func (v Values) StringSlice(key string, defaultVal []string) []string {
	switch val := v.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Map returns the nested object for key, or nil.
func (v Values) Map(key string) map[string]any {
	m, _ := v.data[key].(map[string]any)
	return m
}

// Any returns the raw value for key.
func (v Values) Any(key string, defaultVal any) any {
	if val, ok := v.data[key]; ok {
		return val
	}
	return defaultVal
}

// Has reports whether key is set.
func (v Values) Has(key string) bool {
	_, ok := v.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (v Values) Raw() map[string]any {
	return v.data
}
