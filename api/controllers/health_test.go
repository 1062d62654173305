package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "test"}}
}

func TestHealthLive(t *testing.T) {
	resp := httptest.NewRecorder()
	HealthLive(testConfig()).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "test", resp.Header().Get("X-CommunityPay-Env"))
	assert.JSONEq(t, `{"data":{"status":"live"}}`, resp.Body.String())
}

func TestHealthReadyAllUp(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	up := pingFunc(func(context.Context) error { return nil })

	resp := httptest.NewRecorder()
	HealthReady(testConfig(), logg, map[string]Pinger{"postgres": up, "redis": up}).
		ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":{"status":"ready","checks":{"postgres":"up","redis":"up"}}}`, resp.Body.String())
}

func TestHealthReadyDependencyDown(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	resp := httptest.NewRecorder()
	HealthReady(testConfig(), logg, map[string]Pinger{"postgres": up, "redis": down}).
		ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Contains(t, resp.Body.String(), "DEPENDENCY_ERROR")
}
