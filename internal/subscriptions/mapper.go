package subscriptions

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

// Metadata keys attached to checkout sessions and the subscriptions they
// create so provider events can be routed back to local rows.
const (
	MetaCommunityID        = "community_id"
	MetaUserID             = "user_id"
	MetaSubscriptionType   = "subscription_type"
	MetaPlanID             = "plan_id"
	MetaPlatformPlanID     = "platform_plan_id"
	MetaPlatformPercentage = "platform_percentage"
	MetaRevenueSplitID     = "revenue_split_id"
	MetaTrialDays          = "trial_days"
)

// CheckoutTags is the typed view of checkout metadata.
type CheckoutTags struct {
	CommunityID        uuid.UUID
	Type               enums.SubscriptionType
	UserID             *uuid.UUID
	PlanID             *uuid.UUID
	PlatformPercentage *decimal.Decimal
	RevenueSplitID     *uuid.UUID
	TrialDays          int64
}

// Metadata renders the tags as provider metadata.
func (t CheckoutTags) Metadata() map[string]string {
	out := map[string]string{
		MetaCommunityID:      t.CommunityID.String(),
		MetaSubscriptionType: string(t.Type),
	}
	if t.UserID != nil {
		out[MetaUserID] = t.UserID.String()
	}
	if t.PlanID != nil {
		if t.Type == enums.SubscriptionTypePlatform {
			out[MetaPlatformPlanID] = t.PlanID.String()
		} else {
			out[MetaPlanID] = t.PlanID.String()
		}
	}
	if t.PlatformPercentage != nil {
		out[MetaPlatformPercentage] = t.PlatformPercentage.StringFixed(2)
	}
	if t.RevenueSplitID != nil {
		out[MetaRevenueSplitID] = t.RevenueSplitID.String()
	}
	if t.TrialDays > 0 {
		out[MetaTrialDays] = strconv.FormatInt(t.TrialDays, 10)
	}
	return out
}

// ParseTags reads the tags written by Metadata. Objects not created by this
// service have no community or type and fail validation.
func ParseTags(metadata map[string]string) (*CheckoutTags, error) {
	if len(metadata) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription metadata is required")
	}
	communityID, err := requiredUUID(metadata, MetaCommunityID)
	if err != nil {
		return nil, err
	}
	subType, err := enums.ParseSubscriptionType(strings.TrimSpace(metadata[MetaSubscriptionType]))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subscription_type metadata")
	}
	tags := &CheckoutTags{CommunityID: communityID, Type: subType}

	if tags.UserID, err = optionalUUID(metadata, MetaUserID); err != nil {
		return nil, err
	}
	planKey := MetaPlanID
	if subType == enums.SubscriptionTypePlatform {
		planKey = MetaPlatformPlanID
	}
	if tags.PlanID, err = optionalUUID(metadata, planKey); err != nil {
		return nil, err
	}
	if tags.RevenueSplitID, err = optionalUUID(metadata, MetaRevenueSplitID); err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(metadata[MetaPlatformPercentage]); raw != "" {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid platform_percentage metadata")
		}
		tags.PlatformPercentage = &pct
	}
	if raw := strings.TrimSpace(metadata[MetaTrialDays]); raw != "" {
		days, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || days < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid trial_days metadata")
		}
		tags.TrialDays = days
	}

	if subType == enums.SubscriptionTypeMember && (tags.UserID == nil || tags.PlanID == nil) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "member subscription metadata requires user_id and plan_id")
	}
	return tags, nil
}

func requiredUUID(metadata map[string]string, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, key+" missing from metadata")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+key+" metadata")
	}
	return id, nil
}

func optionalUUID(metadata map[string]string, key string) (*uuid.UUID, error) {
	if strings.TrimSpace(metadata[key]) == "" {
		return nil, nil
	}
	id, err := requiredUUID(metadata, key)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// InitialStatus is the local status a completed checkout starts in.
func InitialStatus(trialDays int64) enums.SubscriptionStatus {
	if trialDays > 0 {
		return enums.SubscriptionStatusTrialing
	}
	return enums.SubscriptionStatusActive
}
