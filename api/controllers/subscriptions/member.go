package subscriptions

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/middleware"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	subsvc "github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type memberSubscribeRequest struct {
	PlanID          uuid.UUID `json:"plan_id" validate:"required"`
	TrialDays       int64     `json:"trial_days,omitempty" validate:"gte=0,lte=730"`
	ReplaceExisting bool      `json:"replace_existing,omitempty"`
}

// MemberSubscriptionCreate opens a hosted checkout on the community's
// connected account. The community comes from the route, not the token.
func MemberSubscriptionCreate(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := communitycontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload memberSubscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.SubscribeMember(r.Context(), subsvc.MemberCheckoutInput{
			CommunityID:     communityID,
			UserID:          userID,
			Email:           middleware.UserEmailFromContext(r.Context()),
			PlanID:          payload.PlanID,
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

// CommunityMemberSubscriptions lists every member subscription of the
// caller's community.
func CommunityMemberSubscriptions(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
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

		subs, err := svc.ListMemberSubscriptions(r.Context(), communityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newMemberSubscriptionResponses(subs))
	}
}

func MySubscriptions(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := communitycontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		subs, err := svc.ListUserSubscriptions(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newMemberSubscriptionResponses(subs))
	}
}
