package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Community is the tenant aggregate every billing record is scoped to.
type Community struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name        string    `gorm:"column:name;not null"`
	Slug        string    `gorm:"column:slug;not null;uniqueIndex"`
	OwnerUserID uuid.UUID `gorm:"column:owner_user_id;type:uuid;not null;index"`
	OwnerEmail  string    `gorm:"column:owner_email;not null"`
	Country     string    `gorm:"column:country;not null;default:'US'"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Community) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
