package types

import (
	"context"
	"time"
)

// BaseModel is embedded by every persisted domain model.
// Any changes to this model should be reflected in the migrations.
type BaseModel struct {
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	EnvironmentID string    `db:"environment_id" json:"environment_id"`
	Status        Status    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
	CreatedBy     string    `db:"created_by" json:"created_by"`
	UpdatedBy     string    `db:"updated_by" json:"updated_by"`
}

// GetDefaultBaseModel stamps a model with the tenant scope of ctx at the given instant.
func GetDefaultBaseModel(ctx context.Context, at time.Time) BaseModel {
	at = at.UTC()
	return BaseModel{
		TenantID:      GetTenantID(ctx),
		EnvironmentID: GetEnvironmentID(ctx),
		Status:        StatusPublished,
		CreatedAt:     at,
		UpdatedAt:     at,
		CreatedBy:     GetUserID(ctx),
		UpdatedBy:     GetUserID(ctx),
	}
}
