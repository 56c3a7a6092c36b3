package workflow

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
)

// KeyType holds the member kind inside a member config.
const KeyType = "_TYPE"

// Config is a flat namespaced member config, e.g. "chat.sys_msg". Values
// are decoded JSON with numbers kept as json.Number.
type Config map[string]any

func (c Config) Type() string { return c.String(KeyType, "") }

func (c Config) Clone() Config { return maps.Clone(c) }

func (c Config) String(key, def string) string {
	switch v := c[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v
		}
	case json.Number:
		return v.String()
	}
	return def
}

func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	case json.Number:
		return v.String() != "0"
	}
	return def
}

func (c Config) Map(key string) map[string]any {
	m, _ := c[key].(map[string]any)
	return m
}

func (c Config) List(key string) []any {
	l, _ := c[key].([]any)
	return l
}
