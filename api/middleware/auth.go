package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/angelmondragon/communitypay-backend/api/responses"
	pkgAuth "github.com/angelmondragon/communitypay-backend/pkg/auth"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

// Auth verifies the bearer token and seeds the request context with its
// claims. The token's active community becomes the request's tenant until a
// route parameter overrides it.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	verifier, setupErr := pkgAuth.NewVerifier(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if setupErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, setupErr, "auth is not configured"))
				return
			}
			token, ok := pkgAuth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, pkgAuth.ErrTokenExpired) {
					msg = "token expired"
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg))
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), logg, claims)))
		})
	}
}

func withClaims(ctx context.Context, logg *logger.Logger, claims *pkgAuth.AccessTokenClaims) context.Context {
	userID := claims.UserID.String()
	ctx = WithUserID(ctx, userID)
	ctx = WithUserEmail(ctx, claims.Email)
	ctx = context.WithValue(ctx, ctxRole, string(claims.Role))

	var communityID string
	if claims.ActiveCommunityID != nil {
		communityID = claims.ActiveCommunityID.String()
		ctx = WithCommunityID(ctx, communityID)
	}
	if logg == nil {
		return ctx
	}
	ctx = logg.WithUserID(ctx, userID)
	if communityID != "" {
		ctx = logg.WithCommunityID(ctx, communityID)
	}
	return ctx
}
