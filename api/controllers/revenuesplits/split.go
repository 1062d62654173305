package revenuesplits

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	splitsvc "github.com/angelmondragon/communitypay-backend/internal/revenuesplits"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type setSplitRequest struct {
	PlatformPercentage decimal.Decimal `json:"platform_percentage" validate:"gte=0,lte=100"`
}

type splitResponse struct {
	ID                 uuid.UUID       `json:"id"`
	PlatformPercentage decimal.Decimal `json:"platform_percentage"`
	CreatorPercentage  decimal.Decimal `json:"creator_percentage"`
	IsActive           bool            `json:"is_active"`
	CreatedAt          time.Time       `json:"created_at"`
}

func RevenueSplitGet(svc splitsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "revenue split service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		split, err := svc.GetActive(r.Context(), communityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSplitResponse(split))
	}
}

// RevenueSplitSet versions the community's split. Existing subscriptions keep
// the percentage they were created with.
func RevenueSplitSet(svc splitsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "revenue split service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload setSplitRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		split, err := svc.SetSplit(r.Context(), communityID, payload.PlatformPercentage)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSplitResponse(split))
	}
}

func RevenueSplitHistory(svc splitsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "revenue split service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		history, err := svc.History(r.Context(), communityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]splitResponse, 0, len(history))
		for i := range history {
			items = append(items, newSplitResponse(&history[i]))
		}
		responses.WriteSuccess(w, items)
	}
}

func newSplitResponse(split *models.RevenueSplit) splitResponse {
	return splitResponse{
		ID:                 split.ID,
		PlatformPercentage: split.PlatformPercentage,
		CreatorPercentage:  split.CreatorPercentage,
		IsActive:           split.IsActive,
		CreatedAt:          split.CreatedAt,
	}
}
