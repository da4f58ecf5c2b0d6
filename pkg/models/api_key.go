package models

import (
	"time"

	"github.com/google/uuid"
)

// Capability strings an API key may carry.
const (
	PermissionRead          = "READ"
	PermissionWrite         = "WRITE"
	PermissionAgentRegister = "AGENT_REGISTER"
	PermissionAdmin         = "ADMIN"
)

// APIKey is a partner-owned key/secret pair. The plaintext secret is shown
// once at issue/regenerate time; only the bcrypt hash is stored.
type APIKey struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	PartnerID   uuid.UUID  `db:"partner_id"   json:"partner_id"`
	KeyValue    string     `db:"key_value"    json:"key_value"`
	SecretHash  string     `db:"secret_hash"  json:"-"`
	KeyName     string     `db:"key_name"     json:"key_name"`
	Description string     `db:"description"  json:"description,omitempty"`
	Environment string     `db:"environment"  json:"environment"`
	Permissions []string   `db:"permissions"  json:"permissions"`
	IsActive    bool       `db:"is_active"    json:"is_active"`
	IsPrimary   bool       `db:"is_primary"   json:"is_primary"`
	ExpiresAt   *time.Time `db:"expires_at"   json:"expires_at,omitempty"`
	UsageCount  int64      `db:"usage_count"  json:"usage_count"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
	CreatedBy   string     `db:"created_by"   json:"created_by,omitempty"`
	UpdatedBy   string     `db:"updated_by"   json:"updated_by,omitempty"`
}

// Usable reports whether the key may authenticate requests at the given time.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// HasPermission reports whether the key carries the given capability.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
