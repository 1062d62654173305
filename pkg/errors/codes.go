package errors

import "net/http"

// Code is the stable machine-readable error identifier returned to clients.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMITED"

	CodeProviderUnavailable  Code = "PROVIDER_UNAVAILABLE"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeAccountNotOnboarded  Code = "ACCOUNT_NOT_ONBOARDED"
	CodePlanNotSynced        Code = "PLAN_NOT_SYNCED"
	CodeAlreadyOnboarded     Code = "ALREADY_ONBOARDED"
	CodeCommunityNotFound    Code = "COMMUNITY_NOT_FOUND"
	CodeSubscriptionNotFound Code = "SUBSCRIPTION_NOT_FOUND"
)

// Metadata is how a code surfaces over HTTP. DetailsAllowed gates whether
// Error.Details reach the response body.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	final     = false
	retryable = true
	opaque    = false
	detailed  = true
)

var metadataByCode = map[Code]Metadata{
	CodeValidation:    {http.StatusBadRequest, final, "validation failed", detailed},
	CodeUnauthorized:  {http.StatusUnauthorized, final, "authentication required", opaque},
	CodeForbidden:     {http.StatusForbidden, final, "access denied", opaque},
	CodeNotFound:      {http.StatusNotFound, final, "resource not found", opaque},
	CodeConflict:      {http.StatusConflict, final, "conflict detected", opaque},
	CodeStateConflict: {http.StatusUnprocessableEntity, final, "state transition disallowed", detailed},
	CodeInternal:      {http.StatusInternalServerError, retryable, "internal server error", opaque},
	CodeDependency:    {http.StatusServiceUnavailable, retryable, "dependency unavailable", detailed},
	CodeIdempotency:   {http.StatusConflict, final, "idempotency key reused", opaque},
	CodeRateLimit:     {http.StatusTooManyRequests, retryable, "too many requests", opaque},

	CodeProviderUnavailable:  {http.StatusServiceUnavailable, retryable, "payment provider unavailable", opaque},
	CodeInvalidSignature:     {http.StatusBadRequest, final, "invalid webhook signature", opaque},
	CodeAccountNotOnboarded:  {http.StatusUnprocessableEntity, final, "community cannot accept payments yet", detailed},
	CodePlanNotSynced:        {http.StatusUnprocessableEntity, final, "plan not available for purchase", detailed},
	CodeAlreadyOnboarded:     {http.StatusConflict, final, "merchant account already verified", detailed},
	CodeCommunityNotFound:    {http.StatusNotFound, final, "community not found", opaque},
	CodeSubscriptionNotFound: {http.StatusNotFound, final, "subscription not found", opaque},
}

// MetadataFor falls back to CodeInternal for codes it does not know.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}
