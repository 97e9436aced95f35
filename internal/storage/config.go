package storage

import (
	"fmt"
	"strconv"
)

// Config is the free-form configuration of a backend, as sent by the
// controller or read from the worker's config file.
type Config map[string]interface{}

// Merge returns a copy of c overlaid with override.
func (c Config) Merge(override Config) Config {
	out := make(Config, len(c)+len(override))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// String returns the string value of key, or def when unset or empty.
func (c Config) String(key, def string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return def
	}
	s := fmt.Sprint(v)
	if s == "" {
		return def
	}
	return s
}

// Int returns the integer value of key, or def when unset or not a number.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Require returns the string value of key or an error naming it.
func (c Config) Require(key string) (string, error) {
	s := c.String(key, "")
	if s == "" {
		return "", fmt.Errorf("missing required config %q", key)
	}
	return s, nil
}
