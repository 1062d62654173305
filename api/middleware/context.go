package middleware

import "context"

type contextKey string

const (
	ctxUserID      contextKey = "user_id"
	ctxUserEmail   contextKey = "user_email"
	ctxRole        contextKey = "community_role"
	ctxCommunityID contextKey = "community_id"
)

func UserIDFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxUserID)
}

func UserEmailFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxUserEmail)
}

func RoleFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxRole)
}

// CommunityIDFromContext returns the tenant the request acts on.
func CommunityIDFromContext(ctx context.Context) string {
	return stringValue(ctx, ctxCommunityID)
}

// WithUserID injects the user identifier into the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxUserID, userID)
}

// WithUserEmail injects the caller's email, used to prefill checkout.
func WithUserEmail(ctx context.Context, email string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxUserEmail, email)
}

// WithCommunityID injects the tenant identifier for downstream handlers.
func WithCommunityID(ctx context.Context, communityID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxCommunityID, communityID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
