package subscriptions

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	subsvc "github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type platformSubscribeRequest struct {
	PlatformPlanID  uuid.UUID `json:"platform_plan_id" validate:"required"`
	TrialDays       int64     `json:"trial_days,omitempty" validate:"gte=0,lte=730"`
	ReplaceExisting bool      `json:"replace_existing,omitempty"`
}

// PlatformSubscriptionCreate opens a hosted checkout that bills the community
// creator on the platform's own account.
func PlatformSubscriptionCreate(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload platformSubscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.SubscribeCommunityToPlatform(r.Context(), subsvc.PlatformCheckoutInput{
			CommunityID:     communityID,
			PlatformPlanID:  payload.PlatformPlanID,
			TrialDays:       payload.TrialDays,
			ReplaceExisting: payload.ReplaceExisting,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newCheckoutResponse(session))
	}
}

func PlatformSubscriptionFetch(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.GetPlatformSubscription(r.Context(), communityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPlatformSubscriptionResponse(sub))
	}
}
