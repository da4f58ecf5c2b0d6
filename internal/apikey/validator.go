package apikey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/agentbus/buskeeper/internal/cache"
	"github.com/agentbus/buskeeper/internal/store"
	"github.com/agentbus/buskeeper/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const lookupCacheTTL = 30 * time.Second

// evictedSentinel marks a lookup entry that a key mutation invalidated.
// It is never valid JSON for a key record. Mutations write it with the
// lookup TTL instead of deleting the entry, so a concurrent lookup that
// read the pre-mutation row cannot re-fill the slot: fills use SetNX and
// lose to the sentinel.
var evictedSentinel = []byte("evicted")

// Validator checks presented key/secret pairs. Lookup is by the indexed
// public key value; verification is the deliberately slow bcrypt compare.
// The usability check runs before the compare so dead keys don't pay the
// hash cost, but every rejection surfaces the same ErrInvalidCredentials.
type Validator struct {
	store Store
	cache cache.Cache
}

// NewValidator creates a Validator. cache is optional; when present, lookups
// are served from a short-TTL entry that key mutations evict.
func NewValidator(s Store, c cache.Cache) *Validator {
	return &Validator{store: s, cache: c}
}

// Validate resolves and verifies a presented key/secret pair. On success it
// records usage asynchronously and returns the key record. Internal audit
// logs distinguish the rejection reasons; the returned error never does.
func (v *Validator) Validate(ctx context.Context, presentedKey, presentedSecret string) (*models.APIKey, error) {
	if presentedKey == "" || presentedSecret == "" {
		return nil, ErrInvalidCredentials
	}

	key, err := v.lookup(ctx, presentedKey)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("api key rejected", "reason", "unknown key")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !key.Usable(time.Now().UTC()) {
		slog.Warn("api key rejected", "reason", "key not usable", "key_id", key.ID,
			"active", key.IsActive, "expires_at", key.ExpiresAt)
		return nil, ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(presentedSecret)) != nil {
		slog.Warn("api key rejected", "reason", "secret mismatch", "key_id", key.ID)
		return nil, ErrInvalidCredentials
	}

	// Usage recording must not block or fail the validation response.
	go func() {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.RecordAPIKeyUsage(recCtx, key.ID); err != nil {
			slog.Warn("record api key usage failed", "key_id", key.ID, "error", err)
		}
	}()

	return key, nil
}

// lookup serves the record from cache when possible, falling through to the
// database on miss or any cache error.
func (v *Validator) lookup(ctx context.Context, keyValue string) (*models.APIKey, error) {
	cacheKey := cache.APIKeyLookupKey(keyValue)

	if v.cache != nil {
		if raw, ok, err := v.cache.Get(ctx, cacheKey); err == nil && ok && !bytes.Equal(raw, evictedSentinel) {
			var key models.APIKey
			if json.Unmarshal(raw, &cachedKey{&key}) == nil {
				return &key, nil
			}
		}
	}

	key, err := v.store.GetAPIKeyByValue(ctx, keyValue)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		if raw, err := json.Marshal(cachedKey{key}); err == nil {
			if _, err := v.cache.SetNX(ctx, cacheKey, raw, lookupCacheTTL); err != nil {
				slog.Warn("api key cache set failed", "error", err)
			}
		}
	}
	return key, nil
}

// cachedKey round-trips the full record including the secret hash, which the
// model deliberately omits from its public JSON mapping.
type cachedKey struct {
	*models.APIKey
}

func (c cachedKey) MarshalJSON() ([]byte, error) {
	type alias models.APIKey
	return json.Marshal(struct {
		*alias
		SecretHash string `json:"secret_hash"`
	}{(*alias)(c.APIKey), c.APIKey.SecretHash})
}

func (c cachedKey) UnmarshalJSON(data []byte) error {
	type alias models.APIKey
	aux := struct {
		*alias
		SecretHash string `json:"secret_hash"`
	}{alias: (*alias)(c.APIKey)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.APIKey.SecretHash = aux.SecretHash
	return nil
}
