package instance

import (
	"os"

	"github.com/angelmondragon/communitypay-backend/pkg/env"
)

// GetID identifies this process in logs and in cron lock ownership:
// COMMUNITYPAY_INSTANCE_ID, then DYNO, then the hostname, then "local".
func GetID() string {
	if id := env.First("COMMUNITYPAY_INSTANCE_ID", "DYNO"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
