package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

// RequireCommunityManager admits callers whose token names an active
// community they own or administer.
func RequireCommunityManager(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if CommunityIDFromContext(ctx) == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "community context missing"))
				return
			}
			if !enums.CommunityRole(RoleFromContext(ctx)).CanManageBilling() {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "community billing role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CommunityFromRoute scopes the request to the community named in the path,
// used when a member acts on a community other than their active one.
func CommunityFromRoute(param string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := chi.URLParam(r, param)
			id, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid community id").
					WithDetails(map[string]any{"field": param}))
				return
			}
			ctx = WithCommunityID(ctx, id.String())
			if logg != nil {
				ctx = logg.WithCommunityID(ctx, id.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
