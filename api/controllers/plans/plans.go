package plans

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	plansvc "github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const (
	maxNameLength        = 120
	maxDescriptionLength = 2000
)

type createPlanRequest struct {
	Name        string   `json:"name" validate:"required,max=120"`
	Description string   `json:"description,omitempty" validate:"max=2000"`
	PriceCents  int64    `json:"price_cents" validate:"required,gt=0"`
	Currency    string   `json:"currency,omitempty" validate:"omitempty,currency"`
	Interval    string   `json:"interval" validate:"required,billing_interval"`
	Features    []string `json:"features,omitempty" validate:"max=50,dive,max=200"`
}

type syncPlansRequest struct {
	MerchantAccountID string      `json:"merchant_account_id,omitempty"`
	PlanIDs           []uuid.UUID `json:"plan_ids,omitempty"`
}

type planResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Description       *string   `json:"description,omitempty"`
	PriceCents        int64     `json:"price_cents"`
	Currency          string    `json:"currency"`
	Interval          string    `json:"interval"`
	Features          []string  `json:"features"`
	ProviderProductID *string   `json:"provider_product_id,omitempty"`
	ProviderPriceID   *string   `json:"provider_price_id,omitempty"`
	Synced            bool      `json:"synced"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

type syncResultResponse struct {
	Plan    planResponse `json:"plan"`
	Synced  bool         `json:"synced"`
	Skipped bool         `json:"skipped"`
	Error   string       `json:"error,omitempty"`
}

type platformPlanResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"`
	Currency    string    `json:"currency"`
	Interval    string    `json:"interval"`
	Features    []string  `json:"features"`
}

// CommunityPlansList returns the community's plans. Inactive plans are hidden
// unless include_inactive=true.
func CommunityPlansList(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		includeInactive, err := validators.ParseQueryBool(r, "include_inactive", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plans, err := svc.ListPlans(r.Context(), communityID, !includeInactive)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]planResponse, 0, len(plans))
		for i := range plans {
			items = append(items, newPlanResponse(&plans[i]))
		}
		responses.WriteSuccess(w, items)
	}
}

// CommunityPlanFetch returns one plan of the caller's community, including
// its sync state.
func CommunityPlanFetch(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, err := validators.ParsePathUUID(r, "planID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.GetPlan(r.Context(), communityID, planID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func CommunityPlanCreate(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createPlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		interval, err := enums.ParseBillingInterval(payload.Interval)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing interval"))
			return
		}

		plan, err := svc.CreatePlan(r.Context(), plansvc.CreatePlanInput{
			CommunityID: communityID,
			Name:        validators.SanitizeString(payload.Name, maxNameLength),
			Description: validators.SanitizeString(payload.Description, maxDescriptionLength),
			PriceCents:  payload.PriceCents,
			Currency:    payload.Currency,
			Interval:    interval,
			Features:    payload.Features,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newPlanResponse(plan))
	}
}

// CommunityPlansSync pushes unsynced plans to the provider. Per-plan failures
// are reported in the body, so the request itself succeeds.
func CommunityPlansSync(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload syncPlansRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		results, err := svc.SyncPlans(r.Context(), plansvc.SyncPlansInput{
			CommunityID:       communityID,
			MerchantAccountID: strings.TrimSpace(payload.MerchantAccountID),
			PlanIDs:           payload.PlanIDs,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]syncResultResponse, 0, len(results))
		for i := range results {
			items = append(items, syncResultResponse{
				Plan:    newPlanResponse(&results[i].Plan),
				Synced:  results[i].Synced,
				Skipped: results[i].Skipped,
				Error:   results[i].Error,
			})
		}
		responses.WriteSuccess(w, items)
	}
}

func PlatformPlansList(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		plans, err := svc.ListPlatformPlans(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]platformPlanResponse, 0, len(plans))
		for i := range plans {
			items = append(items, newPlatformPlanResponse(&plans[i]))
		}
		responses.WriteSuccess(w, items)
	}
}

// PlatformPlanFetch returns one active platform plan.
func PlatformPlanFetch(svc plansvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}
		planID, err := validators.ParsePathUUID(r, "planID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.GetPlatformPlan(r.Context(), planID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlatformPlanResponse(plan))
	}
}

func newPlatformPlanResponse(plan *models.PlatformPlan) platformPlanResponse {
	return platformPlanResponse{
		ID:          plan.ID,
		Name:        plan.Name,
		Description: plan.Description,
		PriceCents:  plan.PriceCents,
		Currency:    plan.Currency,
		Interval:    plan.Interval.String(),
		Features:    featureList(plan.Features),
	}
}

func newPlanResponse(plan *models.SubscriptionPlan) planResponse {
	return planResponse{
		ID:                plan.ID,
		Name:              plan.Name,
		Description:       plan.Description,
		PriceCents:        plan.PriceCents,
		Currency:          plan.Currency,
		Interval:          plan.Interval.String(),
		Features:          featureList(plan.Features),
		ProviderProductID: plan.ProviderProductID,
		ProviderPriceID:   plan.ProviderPriceID,
		Synced:            plan.IsSynced(),
		IsActive:          plan.IsActive,
		CreatedAt:         plan.CreatedAt,
	}
}

func featureList(features []string) []string {
	if features == nil {
		return []string{}
	}
	return features
}
