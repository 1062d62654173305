package merchants

import (
	"net/http"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/middleware"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	merchantsvc "github.com/angelmondragon/communitypay-backend/internal/merchants"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type onboardingRequest struct {
	Country      string `json:"country,omitempty" validate:"omitempty,len=2"`
	BusinessType string `json:"business_type,omitempty" validate:"omitempty,oneof=individual company non_profit government_entity"`
	ReturnURL    string `json:"return_url" validate:"required,url"`
	RefreshURL   string `json:"refresh_url" validate:"required,url"`
}

type refreshLinkRequest struct {
	ReturnURL  string `json:"return_url" validate:"required,url"`
	RefreshURL string `json:"refresh_url" validate:"required,url"`
}

type onboardingLinkResponse struct {
	OnboardingURL string `json:"onboarding_url"`
}

// MerchantOnboardingBegin creates the connected account on first use and
// returns a hosted onboarding link.
func MerchantOnboardingBegin(svc merchantsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "merchant service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload onboardingRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.BeginOnboarding(r.Context(), merchantsvc.BeginOnboardingInput{
			CommunityID:  communityID,
			CreatorEmail: middleware.UserEmailFromContext(r.Context()),
			Country:      validators.SanitizeString(payload.Country, 2),
			BusinessType: payload.BusinessType,
			ReturnURL:    payload.ReturnURL,
			RefreshURL:   payload.RefreshURL,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

func MerchantOnboardingRefresh(svc merchantsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "merchant service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload refreshLinkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		url, err := svc.RefreshOnboardingLink(r.Context(), communityID, payload.ReturnURL, payload.RefreshURL)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, onboardingLinkResponse{OnboardingURL: url})
	}
}

// MerchantStatus returns the live provider view of the community's account.
func MerchantStatus(svc merchantsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "merchant service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := svc.GetStatus(r.Context(), communityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, status)
	}
}
