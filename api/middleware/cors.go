package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/cors"

	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

// CORS applies the dashboard origin policy. A "*" entry opens the API to any
// origin but then drops credentialed requests, since browsers refuse the
// combination anyway.
func CORS(origins []string, logg *logger.Logger) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			allowed = append(allowed, origin)
		}
	}
	wildcard := slices.Contains(allowed, "*")

	c := cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyKeyHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, replayedHeader},
		AllowCredentials: !wildcard,
		MaxAge:           600,
	})
	if logg.DebugEnabled() {
		c.Log = corsLog{logg: logg}
	}
	return c.Handler
}

// corsLog routes go-chi/cors decisions through the service logger.
type corsLog struct{ logg *logger.Logger }

func (l corsLog) Printf(format string, v ...any) {
	l.logg.Debug(context.Background(), "cors: "+fmt.Sprintf(format, v...))
}
