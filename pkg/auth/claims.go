package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID            uuid.UUID
	Email             string
	ActiveCommunityID *uuid.UUID
	Role              enums.CommunityRole
	JTI               string
}

// AccessTokenClaims represents the typed JWT presented by clients. Tokens are
// issued by the identity service; this service only verifies them.
type AccessTokenClaims struct {
	UserID            uuid.UUID           `json:"user_id"`
	Email             string              `json:"email,omitempty"`
	ActiveCommunityID *uuid.UUID          `json:"active_community_id,omitempty"`
	Role              enums.CommunityRole `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// check enforces the shape both minting and verification rely on. A role
// only means something relative to a community.
func (c AccessTokenClaims) check() error {
	if c.UserID == uuid.Nil {
		return errors.New("user id is required")
	}
	if c.Role == "" {
		return nil
	}
	if !c.Role.IsValid() {
		return fmt.Errorf("invalid community role %q", c.Role)
	}
	if c.ActiveCommunityID == nil {
		return errors.New("community role requires an active community")
	}
	return nil
}
