package middleware

import (
	"net/http"

	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/internal/apikey"
	"github.com/agentbus/buskeeper/pkg/models"
)

const (
	headerAPIKey    = "X-API-Key"
	headerAPISecret = "X-API-Secret"
)

// Auth provides authentication and permission-checking middleware.
type Auth struct {
	validator *apikey.Validator
}

// NewAuth creates a new Auth middleware.
func NewAuth(v *apikey.Validator) *Auth {
	return &Auth{validator: v}
}

// Authenticate validates the X-API-Key / X-API-Secret header pair and sets
// partner id, key id, key value, and permissions in the request context.
// Every rejection gets the same 401 body regardless of cause.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := a.validator.Validate(r.Context(),
			r.Header.Get(headerAPIKey), r.Header.Get(headerAPISecret))
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}

		ctx := r.Context()
		ctx = SetPartnerID(ctx, key.PartnerID)
		ctx = setAPIKeyID(ctx, key.ID)
		ctx = setAPIKeyValue(ctx, key.KeyValue)
		ctx = setPermissions(ctx, key.Permissions)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission returns middleware that checks whether the authenticated
// key carries the given permission. ADMIN implies everything.
func (a *Auth) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range getPermissions(r) {
				if p == permission || p == models.PermissionAdmin {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}
