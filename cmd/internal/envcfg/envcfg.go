// Package envcfg reads typed configuration values from the environment.
//
// Every reader takes a default that is returned when the variable is unset,
// blank, unparsable or out of range. Values are trimmed before parsing.
package envcfg

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// read parses key with conv and keeps the result only when valid accepts it.
func read[T any](key string, def T, conv func(string) (T, error), valid func(T) bool) T {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := conv(raw)
	if err != nil || (valid != nil && !valid(v)) {
		return def
	}
	return v
}

// String returns the trimmed value of key, or def.
func String(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

// Bool accepts the forms of strconv.ParseBool.
func Bool(key string, def bool) bool {
	return read(key, def, strconv.ParseBool, nil)
}

// Int reads a positive int.
func Int(key string, def int) int {
	return read(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// Int32 reads a non-negative int32 (pool sizes, where 0 is meaningful).
func Int32(key string, def int32) int32 {
	conv := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return read(key, def, conv, func(n int32) bool { return n >= 0 })
}

// Int64 reads a positive int64.
func Int64(key string, def int64) int64 {
	conv := func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
	return read(key, def, conv, func(n int64) bool { return n > 0 })
}

// Float reads a positive float64.
func Float(key string, def float64) float64 {
	conv := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	return read(key, def, conv, func(f float64) bool { return f > 0 })
}

// Duration reads a positive time.Duration ("250ms", "10s").
func Duration(key string, def time.Duration) time.Duration {
	return read(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// List splits a comma-separated value, dropping empty items. def uses the same
// syntax and applies when key is unset; an empty def yields nil.
func List(key, def string) []string {
	raw := String(key, def)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
