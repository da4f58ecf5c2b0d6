package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/agentbus/buskeeper/internal/cache"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// IssueParams holds the inputs for issuing a new API key.
type IssueParams struct {
	PartnerID   uuid.UUID
	KeyName     string
	Description string
	Environment string
	Permissions []string
	ExpiresAt   *time.Time
	IsPrimary   bool
	Actor       string
}

// Issued pairs the stored key record with its plaintext secret. The secret
// exists only in this value; it is unrecoverable once the caller drops it.
type Issued struct {
	Key    *models.APIKey
	Secret string
}

// Issuer creates and mutates API keys.
type Issuer struct {
	store      Store
	partners   PartnerDirectory
	cache      cache.Cache
	bcryptCost int
}

// NewIssuer creates an Issuer. cache may be shared with the Validator; every
// mutation evicts the validator's lookup entry for the affected key value.
func NewIssuer(s Store, partners PartnerDirectory, c cache.Cache, bcryptCost int) *Issuer {
	return &Issuer{store: s, partners: partners, cache: c, bcryptCost: bcryptCost}
}

// Issue creates a new key for the partner and returns the record plus the
// plaintext secret, exactly once.
func (i *Issuer) Issue(ctx context.Context, p IssueParams) (*Issued, error) {
	if _, err := i.partners.GetPartner(ctx, p.PartnerID); err != nil {
		return nil, fmt.Errorf("validate partner: %w", err)
	}

	keyValue, err := newKeyValue(p.Environment)
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), i.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:          uuid.Must(uuid.NewV7()),
		PartnerID:   p.PartnerID,
		KeyValue:    keyValue,
		SecretHash:  string(hash),
		KeyName:     p.KeyName,
		Description: p.Description,
		Environment: p.Environment,
		Permissions: p.Permissions,
		IsActive:    true,
		IsPrimary:   p.IsPrimary,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   p.Actor,
		UpdatedBy:   p.Actor,
	}

	if err := i.store.CreateAPIKey(ctx, key, p.IsPrimary); err != nil {
		return nil, err
	}

	return &Issued{Key: key, Secret: secret}, nil
}

// Regenerate replaces a key's value and secret, keeping its metadata. The
// old pair stops validating immediately.
func (i *Issuer) Regenerate(ctx context.Context, id uuid.UUID, actor string) (*Issued, error) {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	oldValue := key.KeyValue

	keyValue, err := newKeyValue(key.Environment)
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), i.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	key.KeyValue = keyValue
	key.SecretHash = string(hash)
	key.UpdatedBy = actor
	if err := i.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	if err := i.evict(ctx, oldValue); err != nil {
		return nil, err
	}
	return &Issued{Key: key, Secret: secret}, nil
}

// Enable reactivates a disabled key.
func (i *Issuer) Enable(ctx context.Context, id uuid.UUID, actor string) error {
	return i.setActive(ctx, id, actor, true)
}

// Disable deactivates a key. Reversible, unlike Revoke.
func (i *Issuer) Disable(ctx context.Context, id uuid.UUID, actor string) error {
	return i.setActive(ctx, id, actor, false)
}

func (i *Issuer) setActive(ctx context.Context, id uuid.UUID, actor string, active bool) error {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	key.IsActive = active
	key.UpdatedBy = actor
	if err := i.store.UpdateAPIKey(ctx, key); err != nil {
		return err
	}
	return i.evict(ctx, key.KeyValue)
}

// Revoke hard-deletes a key and evicts its validation cache entry. There is
// no undo; the remedy for a lost secret is Regenerate, for a compromised key
// Revoke plus Issue.
func (i *Issuer) Revoke(ctx context.Context, id uuid.UUID) error {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if err := i.store.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	return i.evict(ctx, key.KeyValue)
}

// SetPrimary makes the key its partner's primary, unsetting any existing
// primary in the same transaction.
func (i *Issuer) SetPrimary(ctx context.Context, id uuid.UUID) error {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	return i.store.SetPrimaryAPIKey(ctx, key.PartnerID, id)
}

// UpdatePermissions replaces a key's capability set.
func (i *Issuer) UpdatePermissions(ctx context.Context, id uuid.UUID, permissions []string, actor string) error {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	key.Permissions = permissions
	key.UpdatedBy = actor
	if err := i.store.UpdateAPIKey(ctx, key); err != nil {
		return err
	}
	return i.evict(ctx, key.KeyValue)
}

// UpdateExpiry sets or clears a key's expiry.
func (i *Issuer) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time, actor string) error {
	key, err := i.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	key.ExpiresAt = expiresAt
	key.UpdatedBy = actor
	if err := i.store.UpdateAPIKey(ctx, key); err != nil {
		return err
	}
	return i.evict(ctx, key.KeyValue)
}

// Get returns a single key record.
func (i *Issuer) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return i.store.GetAPIKey(ctx, id)
}

// List returns all of a partner's keys. Secret hashes never leave the model's
// JSON mapping.
func (i *Issuer) List(ctx context.Context, partnerID uuid.UUID) ([]*models.APIKey, error) {
	return i.store.ListAPIKeys(ctx, partnerID)
}

// evict invalidates the validator's cached lookup so the mutation takes
// effect on the next validation. It overwrites the entry with a tombstone
// rather than deleting it: a validation racing the mutation may have read
// the pre-mutation row and be about to cache it, and its fill must lose to
// the eviction. A failed eviction is an error so the mutation does not
// report success while a stale entry can keep validating.
func (i *Issuer) evict(ctx context.Context, keyValue string) error {
	if i.cache == nil {
		return nil
	}
	if err := i.cache.Set(ctx, cache.APIKeyLookupKey(keyValue), evictedSentinel, lookupCacheTTL); err != nil {
		return fmt.Errorf("evict api key cache entry: %w", err)
	}
	return nil
}
