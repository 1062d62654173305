package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RevenueSplit is one version of a community's platform/creator split.
// Rows are never rewritten; a change deactivates the old row and inserts a new one.
type RevenueSplit struct {
	ID                 uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID        uuid.UUID       `gorm:"column:community_id;type:uuid;not null;index"`
	PlatformPercentage decimal.Decimal `gorm:"column:platform_percentage;type:numeric(5,2);not null"`
	CreatorPercentage  decimal.Decimal `gorm:"column:creator_percentage;type:numeric(5,2);not null"`
	IsActive           bool            `gorm:"column:is_active;not null"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *RevenueSplit) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
