package ledger

import (
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/communitypay-backend/api/validators"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

var timeNowUTC = func() time.Time {
	return time.Now().UTC()
}

// resolveRevenueRange accepts either an explicit start/end pair or a preset
// window ending now. The default is the last 30 days.
func resolveRevenueRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	start, err := validators.ParseQueryTime(r, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := validators.ParseQueryTime(r, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if start != nil || end != nil {
		if start == nil || end == nil {
			return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "start and end must be provided together")
		}
		if !end.After(*start) {
			return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "end date must be after start date")
		}
		return *start, *end, nil
	}

	duration, ok := presetDuration(strings.TrimSpace(r.URL.Query().Get("preset")))
	if !ok {
		return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid preset")
	}
	return now.Add(-duration), now, nil
}

func presetDuration(value string) (time.Duration, bool) {
	if value == "" {
		value = "30d"
	}
	switch strings.ToLower(value) {
	case "7d":
		return 7 * 24 * time.Hour, true
	case "30d":
		return 30 * 24 * time.Hour, true
	case "90d":
		return 90 * 24 * time.Hour, true
	case "365d":
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
