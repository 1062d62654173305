package communitycontext

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/api/middleware"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

// ResolveCommunityID extracts the tenant the request acts on.
func ResolveCommunityID(r *http.Request) (uuid.UUID, error) {
	communityID := middleware.CommunityIDFromContext(r.Context())
	if communityID == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "community context required")
	}
	id, err := uuid.Parse(communityID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid community id")
	}
	return id, nil
}

// ResolveUserID extracts the authenticated caller.
func ResolveUserID(r *http.Request) (uuid.UUID, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return id, nil
}
