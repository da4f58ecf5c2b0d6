package store

import (
	"context"
	"errors"

	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrConflict = errors.New("uniqueness violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Directory lookups for partners, principals, and bus core systems.
	GetPartner(ctx context.Context, id uuid.UUID) (*models.Partner, error)
	GetDefaultPartner(ctx context.Context) (*models.Partner, error)
	GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetBusCoreSystem(ctx context.Context, id uuid.UUID) (*models.BusCoreSystem, error)

	// API keys. clearPrimary unsets the partner's existing primary key in
	// the same transaction as the insert, so two racing issues cannot leave
	// two primaries.
	CreateAPIKey(ctx context.Context, key *models.APIKey, clearPrimary bool) error
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	GetAPIKeyByValue(ctx context.Context, keyValue string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, partnerID uuid.UUID) ([]*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
	SetPrimaryAPIKey(ctx context.Context, partnerID, id uuid.UUID) error
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
	RecordAPIKeyUsage(ctx context.Context, id uuid.UUID) error

	// Agent credentials. Same clearPrimary contract, scoped per principal.
	CreateCredential(ctx context.Context, cred *models.Credential, clearPrimary bool) error
	GetCredential(ctx context.Context, principalID, systemID uuid.UUID) (*models.Credential, error)
	UpdateCredential(ctx context.Context, cred *models.Credential) error
	DeleteCredential(ctx context.Context, principalID, systemID uuid.UUID) error
	SetPrimaryCredential(ctx context.Context, principalID, systemID uuid.UUID) error

	// Rotation support: stable keyset batches ordered by id, and an
	// idempotent ciphertext swap conditioned on the currently tagged
	// password key version.
	ListCredentialsAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.Credential, error)
	UpdateCredentialCiphertext(ctx context.Context, id uuid.UUID, password models.Ciphertext, txnPassword *models.Ciphertext, expectVersion int) (bool, error)
}
