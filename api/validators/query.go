package validators

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

// queryValue returns the trimmed parameter and whether it was supplied.
func queryValue(r *http.Request, key string) (string, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	return raw, raw != ""
}

func queryError(key, message string, extra map[string]any) error {
	details := map[string]any{"field": key}
	for k, v := range extra {
		details[k] = v
	}
	return pkgerrors.New(pkgerrors.CodeValidation, message).WithDetails(details)
}

// ParseQueryInt reads an optional integer bounded to [lo, hi].
func ParseQueryInt(r *http.Request, key string, fallback, lo, hi int) (int, error) {
	raw, ok := queryValue(r, key)
	if !ok {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, queryError(key, "query parameter must be numeric", nil)
	}
	if value < lo || value > hi {
		return 0, queryError(key, "query parameter out of range", map[string]any{"min": lo, "max": hi})
	}
	return value, nil
}

// ParseQueryBool reads an optional boolean in any form strconv.ParseBool
// accepts.
func ParseQueryBool(r *http.Request, key string, fallback bool) (bool, error) {
	raw, ok := queryValue(r, key)
	if !ok {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, queryError(key, key+" must be a boolean", nil)
	}
	return value, nil
}

// ParseQueryTime reads an optional RFC3339 timestamp, normalized to UTC.
func ParseQueryTime(r *http.Request, key string) (*time.Time, error) {
	raw, ok := queryValue(r, key)
	if !ok {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, queryError(key, "query parameter must be an RFC3339 timestamp", nil)
	}
	value = value.UTC()
	return &value, nil
}
