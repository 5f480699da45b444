package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an organization. Every job, event and result belongs to a tenant.
// Class drives provider compliance gates (for example "standard", "enterprise", "education").
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Class     string    `db:"class"      json:"class"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
