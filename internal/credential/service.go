// Package credential manages agent credentials for bus core systems.
// Passwords are encrypted at rest with the versioned master key cipher and
// only leave the package as a one-time decrypted view.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentbus/buskeeper/internal/crypto"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
)

// ErrValidation is returned for structurally invalid inputs, before any
// store access.
var ErrValidation = errors.New("invalid credential input")

// Store is the persistence surface the service needs. *store.PostgresStore
// satisfies it.
type Store interface {
	CreateCredential(ctx context.Context, cred *models.Credential, clearPrimary bool) error
	GetCredential(ctx context.Context, principalID, systemID uuid.UUID) (*models.Credential, error)
	UpdateCredential(ctx context.Context, cred *models.Credential) error
	DeleteCredential(ctx context.Context, principalID, systemID uuid.UUID) error
	SetPrimaryCredential(ctx context.Context, principalID, systemID uuid.UUID) error
}

// Directory resolves principals and bus core systems referenced by
// assignments.
type Directory interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetBusCoreSystem(ctx context.Context, id uuid.UUID) (*models.BusCoreSystem, error)
}

// AssignParams holds the inputs for assigning a credential to a principal.
type AssignParams struct {
	PrincipalID     uuid.UUID
	BusCoreSystemID uuid.UUID
	LoginName       string
	Password        string
	TxnPassword     *string
	IsPrimary       bool
}

// UpdateParams carries the mutable credential fields. Nil pointers leave the
// field untouched; ClearTxnPassword removes the transaction password.
type UpdateParams struct {
	LoginName        *string
	Password         *string
	TxnPassword      *string
	ClearTxnPassword bool
}

// Service encrypts, stores, and serves agent credentials.
type Service struct {
	store     Store
	directory Directory
	cipher    *crypto.Cipher
}

// NewService creates a credential Service.
func NewService(s Store, d Directory, cipher *crypto.Cipher) *Service {
	return &Service{store: s, directory: d, cipher: cipher}
}

// Assign encrypts and stores a new credential for the principal against the
// given bus core system. The store rejects a duplicate (principal, system)
// pair and a login name already taken on the same system.
func (s *Service) Assign(ctx context.Context, p AssignParams) (*models.Credential, error) {
	if p.LoginName == "" {
		return nil, fmt.Errorf("%w: login name is required", ErrValidation)
	}
	if p.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrValidation)
	}

	principal, err := s.directory.GetPrincipal(ctx, p.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("resolve principal: %w", err)
	}
	if _, err := s.directory.GetBusCoreSystem(ctx, p.BusCoreSystemID); err != nil {
		return nil, fmt.Errorf("resolve bus core system: %w", err)
	}

	password, err := s.cipher.Encrypt(p.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	var txnPassword *models.Ciphertext
	if p.TxnPassword != nil {
		ct, err := s.cipher.Encrypt(*p.TxnPassword)
		if err != nil {
			return nil, fmt.Errorf("encrypt txn password: %w", err)
		}
		txnPassword = &ct
	}

	now := time.Now().UTC()
	cred := &models.Credential{
		ID:              uuid.Must(uuid.NewV7()),
		PrincipalID:     p.PrincipalID,
		PrincipalType:   principal.Type,
		BusCoreSystemID: p.BusCoreSystemID,
		LoginName:       p.LoginName,
		Password:        password,
		TxnPassword:     txnPassword,
		IsActive:        true,
		IsPrimary:       p.IsPrimary,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateCredential(ctx, cred, p.IsPrimary); err != nil {
		return nil, err
	}

	slog.Info("credential assigned",
		"credential_id", cred.ID,
		"principal_id", cred.PrincipalID,
		"bus_core_system_id", cred.BusCoreSystemID,
		"is_primary", cred.IsPrimary)
	return cred, nil
}

// GetDecrypted fetches and decrypts the credential for one-time forwarding.
// The plaintext is never cached and never logged.
func (s *Service) GetDecrypted(ctx context.Context, principalID, systemID uuid.UUID) (*models.DecryptedCredential, error) {
	cred, err := s.store.GetCredential(ctx, principalID, systemID)
	if err != nil {
		return nil, err
	}

	password, err := s.cipher.Decrypt(cred.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	out := &models.DecryptedCredential{
		LoginName: cred.LoginName,
		Password:  password,
	}
	if cred.TxnPassword != nil {
		txn, err := s.cipher.Decrypt(*cred.TxnPassword)
		if err != nil {
			return nil, fmt.Errorf("decrypt txn password: %w", err)
		}
		out.TxnPassword = &txn
	}
	return out, nil
}

// Update re-encrypts any changed secret fields under the current key version
// and persists the record.
func (s *Service) Update(ctx context.Context, principalID, systemID uuid.UUID, p UpdateParams) (*models.Credential, error) {
	if p.LoginName != nil && *p.LoginName == "" {
		return nil, fmt.Errorf("%w: login name cannot be empty", ErrValidation)
	}
	if p.Password != nil && *p.Password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrValidation)
	}
	if p.TxnPassword != nil && p.ClearTxnPassword {
		return nil, fmt.Errorf("%w: cannot set and clear txn password together", ErrValidation)
	}

	cred, err := s.store.GetCredential(ctx, principalID, systemID)
	if err != nil {
		return nil, err
	}

	if p.LoginName != nil {
		cred.LoginName = *p.LoginName
	}
	if p.Password != nil {
		ct, err := s.cipher.Encrypt(*p.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
		cred.Password = ct
	}
	if p.TxnPassword != nil {
		ct, err := s.cipher.Encrypt(*p.TxnPassword)
		if err != nil {
			return nil, fmt.Errorf("encrypt txn password: %w", err)
		}
		cred.TxnPassword = &ct
	}
	if p.ClearTxnPassword {
		cred.TxnPassword = nil
	}
	cred.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateCredential(ctx, cred); err != nil {
		return nil, err
	}

	slog.Info("credential updated",
		"credential_id", cred.ID,
		"principal_id", cred.PrincipalID,
		"bus_core_system_id", cred.BusCoreSystemID)
	return cred, nil
}

// Remove deletes the credential for the (principal, system) pair.
func (s *Service) Remove(ctx context.Context, principalID, systemID uuid.UUID) error {
	if err := s.store.DeleteCredential(ctx, principalID, systemID); err != nil {
		return err
	}
	slog.Info("credential removed",
		"principal_id", principalID,
		"bus_core_system_id", systemID)
	return nil
}

// SetPrimary marks the credential as the principal's primary, unsetting any
// existing primary in the same transaction.
func (s *Service) SetPrimary(ctx context.Context, principalID, systemID uuid.UUID) error {
	if err := s.store.SetPrimaryCredential(ctx, principalID, systemID); err != nil {
		return err
	}
	slog.Info("credential set primary",
		"principal_id", principalID,
		"bus_core_system_id", systemID)
	return nil
}

// Get returns the stored (still encrypted) credential record.
func (s *Service) Get(ctx context.Context, principalID, systemID uuid.UUID) (*models.Credential, error) {
	return s.store.GetCredential(ctx, principalID, systemID)
}
