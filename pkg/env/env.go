// Package env reads the few settings needed before config.Load runs, such as
// log format and instance identity.
package env

import (
	"os"
	"strconv"
	"strings"
)

// Get returns the trimmed value of key, or fallback when unset or blank.
func Get(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// First returns the first non-blank value among keys.
func First(keys ...string) string {
	for _, key := range keys {
		if v := Get(key, ""); v != "" {
			return v
		}
	}
	return ""
}

// Bool parses key with strconv.ParseBool, returning fallback when unset or
// unparseable.
func Bool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(Get(key, ""))
	if err != nil {
		return fallback
	}
	return v
}
