package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	mw "github.com/agentbus/buskeeper/internal/api/middleware"
	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/internal/apikey"
	"github.com/agentbus/buskeeper/internal/store"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxEnvironmentLen = 32

// validEnvironment checks that a caller-chosen environment label can be
// embedded in the ak_<environment>_<random> key value: lowercase letters,
// digits, and hyphens only, so the label never collides with the value's
// delimiters. Labels are free-form beyond that; "live", "staging" and
// "production" are all fine.
func validEnvironment(env string) bool {
	if env == "" || len(env) > maxEnvironmentLen {
		return false
	}
	for _, r := range env {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

var validPermissions = map[string]bool{
	models.PermissionRead:          true,
	models.PermissionWrite:         true,
	models.PermissionAgentRegister: true,
	models.PermissionAdmin:         true,
}

// issuedKeyResponse carries the one-time plaintext secret alongside the
// stored record. It only appears in issue and regenerate responses.
type issuedKeyResponse struct {
	Key    *models.APIKey `json:"key"`
	Secret string         `json:"secret"`
}

// caller extracts the authenticated partner and key id from the request
// context. Both are set by the auth middleware on every protected route.
func caller(r *http.Request) (partnerID, keyID uuid.UUID, ok bool) {
	partnerID, ok = mw.GetPartnerID(r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	keyID, ok = mw.GetAPIKeyID(r)
	return partnerID, keyID, ok
}

// ownedKey resolves {keyID} from the URL and verifies it belongs to the
// calling partner. A key owned by someone else looks exactly like a missing
// one.
func ownedKey(issuer *apikey.Issuer, r *http.Request, partnerID uuid.UUID) (*models.APIKey, error) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		return nil, store.ErrNotFound
	}
	key, err := issuer.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if key.PartnerID != partnerID {
		return nil, store.ErrNotFound
	}
	return key, nil
}

func checkPermissions(permissions []string) (string, bool) {
	for _, p := range permissions {
		if !validPermissions[p] {
			return p, false
		}
	}
	return "", true
}

func keyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "API key conflicts with an existing one", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", nil)
	}
}

// NewIssueKeyHandler returns the handler for POST /api/v1/admin/keys.
func NewIssueKeyHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, keyID, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}

		var req struct {
			KeyName     string   `json:"key_name"`
			Description string   `json:"description"`
			Environment string   `json:"environment"`
			Permissions []string `json:"permissions"`
			ExpiresAt   string   `json:"expires_at"`
			IsPrimary   bool     `json:"is_primary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.KeyName == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key_name is required", nil)
			return
		}
		if !validEnvironment(req.Environment) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "environment must be 1-32 lowercase letters, digits, or hyphens", nil)
			return
		}
		if len(req.Permissions) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "permissions is required", nil)
			return
		}
		if bad, ok := checkPermissions(req.Permissions); !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown permission: "+bad, nil)
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != "" {
			ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be a valid RFC3339 timestamp", nil)
				return
			}
			expiresAt = &ts
		}

		issued, err := issuer.Issue(r.Context(), apikey.IssueParams{
			PartnerID:   partnerID,
			KeyName:     req.KeyName,
			Description: req.Description,
			Environment: req.Environment,
			Permissions: req.Permissions,
			ExpiresAt:   expiresAt,
			IsPrimary:   req.IsPrimary,
			Actor:       keyID.String(),
		})
		if err != nil {
			keyError(w, err)
			return
		}

		response.Created(w, issuedKeyResponse{Key: issued.Key, Secret: issued.Secret})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, _, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}

		keys, err := issuer.List(r.Context(), partnerID)
		if err != nil {
			keyError(w, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, len(keys))
	}
}

// NewRegenerateKeyHandler returns the handler for
// POST /api/v1/admin/keys/{keyID}/regenerate.
func NewRegenerateKeyHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, keyID, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		issued, err := issuer.Regenerate(r.Context(), key.ID, keyID.String())
		if err != nil {
			keyError(w, err)
			return
		}
		response.JSON(w, issuedKeyResponse{Key: issued.Key, Secret: issued.Secret})
	}
}

// NewSetKeyActiveHandler returns the handler for the enable and disable
// routes, parameterized on the target state.
func NewSetKeyActiveHandler(issuer *apikey.Issuer, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, keyID, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		if active {
			err = issuer.Enable(r.Context(), key.ID, keyID.String())
		} else {
			err = issuer.Disable(r.Context(), key.ID, keyID.String())
		}
		if err != nil {
			keyError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": key.ID, "is_active": active})
	}
}

// NewSetPrimaryKeyHandler returns the handler for
// POST /api/v1/admin/keys/{keyID}/primary.
func NewSetPrimaryKeyHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, _, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		if err := issuer.SetPrimary(r.Context(), key.ID); err != nil {
			keyError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": key.ID, "is_primary": true})
	}
}

// NewUpdatePermissionsHandler returns the handler for
// PUT /api/v1/admin/keys/{keyID}/permissions.
func NewUpdatePermissionsHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, keyID, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		var req struct {
			Permissions []string `json:"permissions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Permissions) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "permissions is required", nil)
			return
		}
		if bad, ok := checkPermissions(req.Permissions); !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown permission: "+bad, nil)
			return
		}

		if err := issuer.UpdatePermissions(r.Context(), key.ID, req.Permissions, keyID.String()); err != nil {
			keyError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": key.ID, "permissions": req.Permissions})
	}
}

// NewUpdateExpiryHandler returns the handler for
// PUT /api/v1/admin/keys/{keyID}/expiry. A null expires_at clears the
// expiry.
func NewUpdateExpiryHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, keyID, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		var req struct {
			ExpiresAt *string `json:"expires_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			ts, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be a valid RFC3339 timestamp", nil)
				return
			}
			expiresAt = &ts
		}

		if err := issuer.UpdateExpiry(r.Context(), key.ID, expiresAt, keyID.String()); err != nil {
			keyError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": key.ID, "expires_at": expiresAt})
	}
}

// NewRevokeKeyHandler returns the handler for
// DELETE /api/v1/admin/keys/{keyID}. Revocation is a hard delete.
func NewRevokeKeyHandler(issuer *apikey.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partnerID, _, ok := caller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}
		key, err := ownedKey(issuer, r, partnerID)
		if err != nil {
			keyError(w, err)
			return
		}

		if err := issuer.Revoke(r.Context(), key.ID); err != nil {
			keyError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
