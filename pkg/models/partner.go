package models

import (
	"time"

	"github.com/google/uuid"
)

// Partner is a tenant organization integrating with the platform.
type Partner struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	IsActive  bool      `db:"is_active"  json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Principal is an agent or group-agent that holds credentials against
// downstream bus core systems.
type Principal struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	PartnerID uuid.UUID `db:"partner_id" json:"partner_id"`
	Type      string    `db:"type"       json:"type"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BusCoreSystem is an external system agents authenticate against.
type BusCoreSystem struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Code      string    `db:"code"       json:"code"`
	Name      string    `db:"name"       json:"name"`
	IsActive  bool      `db:"is_active"  json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
