// Package domain contains the tenant resource inventory read by limit
// enforcement.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TenantResource is one unit (or a quantity) of a limited feature held by a
// tenant: a seat, a project, stored bytes. Rows are written by the product
// surfaces that grant resources; this package only reads them.
type TenantResource struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TenantID     snowflake.ID `gorm:"not null;index:idx_tenant_resources_tenant_type"`
	ResourceType string       `gorm:"type:text;not null;index:idx_tenant_resources_tenant_type"`
	Quantity     int64        `gorm:"not null;default:1"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TenantResource) TableName() string { return "tenant_resources" }
