package types

import "time"

// Status is the soft-delete/lifecycle status shared by every persisted
// entity in this system (grants, entitlements, subscriptions, phases).
type Status string

const (
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)

// BaseModel is embedded by every domain entity that is persisted and
// scoped to a tenant/environment, mirroring the BaseMixin/EnvironmentMixin
// pair this codebase's ent schemas compose.
type BaseModel struct {
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	EnvironmentID string    `json:"environment_id" db:"environment_id"`
	Status        Status    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
	CreatedBy     string    `json:"created_by,omitempty" db:"created_by"`
	UpdatedBy     string    `json:"updated_by,omitempty" db:"updated_by"`
}

// Metadata is a free-form string map attached to most entities for
// caller-supplied context (request metadata, grant notes, ...).
type Metadata map[string]string
