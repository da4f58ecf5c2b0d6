package models

import (
	"time"

	"github.com/google/uuid"
)

// Principal types for agent credentials.
const (
	PrincipalAgent      = "agent"
	PrincipalGroupAgent = "group_agent"
)

// Ciphertext is an encrypted value tagged with the master key version that
// produced it. The version tag is what lets rotation find stale records.
type Ciphertext struct {
	KeyVersion int    `json:"key_version"`
	Data       []byte `json:"-"`
}

// Credential is one principal's login against one bus core system.
// Passwords are stored encrypted; the login name is not secret.
type Credential struct {
	ID              uuid.UUID   `db:"id"                json:"id"`
	PrincipalID     uuid.UUID   `db:"principal_id"      json:"principal_id"`
	PrincipalType   string      `db:"principal_type"    json:"principal_type"`
	BusCoreSystemID uuid.UUID   `db:"bus_core_system_id" json:"bus_core_system_id"`
	LoginName       string      `db:"login_name"        json:"login_name"`
	Password        Ciphertext  `json:"-"`
	TxnPassword     *Ciphertext `json:"-"`
	IsActive        bool        `db:"is_active"  json:"is_active"`
	IsPrimary       bool        `db:"is_primary" json:"is_primary"`
	LastAuthAt      *time.Time  `db:"last_auth_at" json:"last_auth_at,omitempty"`
	LastSyncAt      *time.Time  `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// DecryptedCredential is the plaintext view handed to a caller for one-time
// forwarding to a downstream system. Never persisted, never logged.
type DecryptedCredential struct {
	LoginName   string  `json:"login_name"`
	Password    string  `json:"password"`
	TxnPassword *string `json:"txn_password,omitempty"`
}
