package revenuesplits

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/communitypay-backend/api/middleware"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func communityRequest(method, target, body string, communityID uuid.UUID) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(middleware.WithCommunityID(req.Context(), communityID.String()))
}

func TestRevenueSplitSetPassesPercentage(t *testing.T) {
	communityID := uuid.New()
	svc := &stubSplitService{}
	handler := RevenueSplitSet(svc, testLogger())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, communityRequest(http.MethodPut, "/api/v1/community/revenue-split", `{"platform_percentage": "12.5"}`, communityID))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, communityID, svc.community)
	assert.True(t, svc.setPct.Equal(decimal.RequireFromString("12.5")))

	var envelope struct {
		Data splitResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.True(t, envelope.Data.CreatorPercentage.Equal(decimal.RequireFromString("87.5")))
	assert.True(t, envelope.Data.IsActive)
}

func TestRevenueSplitSetRejectsOutOfRange(t *testing.T) {
	for _, body := range []string{`{"platform_percentage": 101}`, `{"platform_percentage": -0.5}`, `{"platform_percentage": "abc"}`} {
		svc := &stubSplitService{}
		handler := RevenueSplitSet(svc, testLogger())

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, communityRequest(http.MethodPut, "/api/v1/community/revenue-split", body, uuid.New()))

		assert.Equal(t, http.StatusBadRequest, resp.Code, body)
		assert.Equal(t, uuid.Nil, svc.community, body)
	}
}

func TestRevenueSplitGet(t *testing.T) {
	svc := &stubSplitService{}
	handler := RevenueSplitGet(svc, testLogger())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, communityRequest(http.MethodGet, "/api/v1/community/revenue-split", "", uuid.New()))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"platform_percentage":"10"`)
}

func TestRevenueSplitHistoryOrder(t *testing.T) {
	svc := &stubSplitService{}
	handler := RevenueSplitHistory(svc, testLogger())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, communityRequest(http.MethodGet, "/api/v1/community/revenue-split/history", "", uuid.New()))

	require.Equal(t, http.StatusOK, resp.Code)
	var envelope struct {
		Data []splitResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Data, 2)
	assert.True(t, envelope.Data[0].IsActive)
	assert.False(t, envelope.Data[1].IsActive)
}

func TestRevenueSplitRequiresCommunity(t *testing.T) {
	handler := RevenueSplitGet(&stubSplitService{}, testLogger())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/community/revenue-split", nil))

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

type stubSplitService struct {
	community uuid.UUID
	setPct    decimal.Decimal
	err       error
}

func split(communityID uuid.UUID, pct string, active bool) *models.RevenueSplit {
	platform := decimal.RequireFromString(pct)
	return &models.RevenueSplit{
		ID:                 uuid.New(),
		CommunityID:        communityID,
		PlatformPercentage: platform,
		CreatorPercentage:  decimal.NewFromInt(100).Sub(platform),
		IsActive:           active,
		CreatedAt:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *stubSplitService) SetSplit(ctx context.Context, communityID uuid.UUID, platformPercentage decimal.Decimal) (*models.RevenueSplit, error) {
	s.community = communityID
	s.setPct = platformPercentage
	return split(communityID, platformPercentage.String(), true), s.err
}

func (s *stubSplitService) GetActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error) {
	return split(communityID, "10", true), s.err
}

func (s *stubSplitService) ActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error) {
	return split(communityID, "10", true), s.err
}

func (s *stubSplitService) History(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error) {
	return []models.RevenueSplit{*split(communityID, "15", true), *split(communityID, "10", false)}, s.err
}
