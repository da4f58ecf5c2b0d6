// Package apikey issues, mutates, and validates partner API key/secret
// pairs. Secrets are bcrypt-hashed at rest and shown to the caller exactly
// once, at issue or regenerate time.
package apikey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
)

// ErrInvalidCredentials is the single external rejection for validation:
// unknown key, unusable key, and wrong secret all collapse into it so the
// response is no oracle for key existence or state.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	keyValuePrefix  = "ak"
	keyValueRandLen = 32
	secretLen       = 56
)

// Store is the persistence surface the issuer and validator depend on.
// *store.PostgresStore satisfies it.
type Store interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey, clearPrimary bool) error
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	GetAPIKeyByValue(ctx context.Context, keyValue string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, partnerID uuid.UUID) ([]*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
	SetPrimaryAPIKey(ctx context.Context, partnerID, id uuid.UUID) error
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
	RecordAPIKeyUsage(ctx context.Context, id uuid.UUID) error
}

// PartnerDirectory resolves key ownership before issuance.
type PartnerDirectory interface {
	GetPartner(ctx context.Context, id uuid.UUID) (*models.Partner, error)
}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// randBase62 returns n characters of cryptographically secure base62.
func randBase62(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random: %w", err)
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out), nil
}

// newKeyValue builds the public key identifier: ak_<env>_<random32>.
func newKeyValue(environment string) (string, error) {
	random, err := randBase62(keyValueRandLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", keyValuePrefix, environment, random), nil
}

// newSecret builds a high-entropy secret, independent of the key value.
func newSecret() (string, error) {
	return randBase62(secretLen)
}
