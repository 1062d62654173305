package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/communitypay-backend/api/responses"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/communitypay-backend/pkg/redis"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	inFlightTTL            = 2 * time.Minute
	maxReplayableBody      = 1 << 20
)

// idempotentRoute matches a request path by prefix and optional suffix. The
// raw path is used because inside a mounted sub-router chi has not resolved
// the final pattern yet.
type idempotentRoute struct {
	method string
	prefix string
	suffix string
	exact  bool
	ttl    time.Duration
}

func (r idempotentRoute) matches(method, path string) bool {
	if method != r.method {
		return false
	}
	if r.exact {
		return path == r.prefix
	}
	return strings.HasPrefix(path, r.prefix) && strings.HasSuffix(path, r.suffix)
}

// Checkout creation keeps its key for a week: a retried checkout must return
// the original session rather than open a second one.
var idempotentRoutes = []idempotentRoute{
	{method: http.MethodPost, prefix: "/api/v1/community/merchant/onboarding", exact: true, ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, prefix: "/api/v1/community/plans", exact: true, ttl: defaultIdempotencyTTL},
	{method: http.MethodPut, prefix: "/api/v1/community/revenue-split", exact: true, ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, prefix: "/api/v1/community/platform-subscription", exact: true, ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, prefix: "/api/v1/communities/", suffix: "/subscriptions", ttl: criticalIdempotencyTTL},
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

// Idempotency replays the first non-5xx response for a repeated
// Idempotency-Key on mutating billing routes. A second request that arrives
// while the first is still running is rejected instead of executed twice.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ttl, ok := routeTTL(r.Method, requestPath(r))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
			if clientKey == "" || len(clientKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required (max 255 characters)"))
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplayableBody))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := requestFingerprint(r, body)
			key := store.IdempotencyKey(idempotencyScope(r), clientKey)

			raw, err := store.Get(ctx, key)
			switch {
			case err != nil && !errors.Is(err, redis.Nil):
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotency record"))
				return
			case raw != "":
				var prior storedResponse
				if err := json.Unmarshal([]byte(raw), &prior); err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
					return
				}
				if prior.RequestHash != fingerprint {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
					return
				}
				replay(w, prior)
				return
			}

			lockKey := key + ":inflight"
			acquired, err := store.SetNX(ctx, lockKey, fingerprint, inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !acquired {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this Idempotency-Key is still in progress"))
				return
			}
			// The handler may outlive a disconnected client; bookkeeping must not.
			detached := context.WithoutCancel(ctx)
			defer func() {
				if err := store.Del(detached, lockKey); err != nil && logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "release idempotency reservation failed")
				}
			}()

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			// 5xx stays retryable under the same key.
			if capture.status >= http.StatusInternalServerError {
				return
			}
			record, err := json.Marshal(storedResponse{
				Status:      capture.status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
				RequestHash: fingerprint,
			})
			if err == nil {
				_, err = store.SetNX(detached, key, string(record), ttl)
			}
			if err != nil && logg != nil {
				logg.Error(ctx, "persist idempotency record", err)
			}
		})
	}
}

func routeTTL(method, path string) (time.Duration, bool) {
	for _, route := range idempotentRoutes {
		if route.matches(method, path) {
			return route.ttl, true
		}
	}
	return 0, false
}

func requestPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	return r.URL.Path
}

// idempotencyScope keeps keys from colliding across callers and tenants.
func idempotencyScope(r *http.Request) string {
	return strings.Join([]string{
		UserIDFromContext(r.Context()),
		CommunityIDFromContext(r.Context()),
		r.Method,
		r.URL.Path,
	}, "|")
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.Path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, prior storedResponse) {
	if prior.ContentType != "" {
		w.Header().Set("Content-Type", prior.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(prior.Status)
	_, _ = w.Write(prior.Body)
}

type responseCapture struct {
	http.ResponseWriter
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (c *responseCapture) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
