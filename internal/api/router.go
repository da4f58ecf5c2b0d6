package api

import (
	"net/http"

	mw "github.com/agentbus/buskeeper/internal/api/middleware"
	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	IssueKeyHandler          http.HandlerFunc
	ListKeysHandler          http.HandlerFunc
	RegenerateKeyHandler     http.HandlerFunc
	EnableKeyHandler         http.HandlerFunc
	DisableKeyHandler        http.HandlerFunc
	SetPrimaryKeyHandler     http.HandlerFunc
	UpdatePermissionsHandler http.HandlerFunc
	UpdateExpiryHandler      http.HandlerFunc
	RevokeKeyHandler         http.HandlerFunc

	AssignCredentialHandler     http.HandlerFunc
	GetCredentialHandler        http.HandlerFunc
	UpdateCredentialHandler     http.HandlerFunc
	RemoveCredentialHandler     http.HandlerFunc
	SetPrimaryCredentialHandler http.HandlerFunc

	StartRotationHandler  http.HandlerFunc
	RotationStatusHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// Credential custody
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequirePermission(models.PermissionWrite))

			r.Post("/api/v1/credentials", orNotImplemented(deps.AssignCredentialHandler))
			r.Put("/api/v1/credentials/{principalID}/systems/{systemID}", orNotImplemented(deps.UpdateCredentialHandler))
			r.Delete("/api/v1/credentials/{principalID}/systems/{systemID}", orNotImplemented(deps.RemoveCredentialHandler))
			r.Post("/api/v1/credentials/{principalID}/systems/{systemID}/primary", orNotImplemented(deps.SetPrimaryCredentialHandler))
		})
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequirePermission(models.PermissionRead))

			r.Get("/api/v1/credentials/{principalID}/systems/{systemID}", orNotImplemented(deps.GetCredentialHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequirePermission(models.PermissionAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.IssueKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Post("/api/v1/admin/keys/{keyID}/regenerate", orNotImplemented(deps.RegenerateKeyHandler))
			r.Post("/api/v1/admin/keys/{keyID}/enable", orNotImplemented(deps.EnableKeyHandler))
			r.Post("/api/v1/admin/keys/{keyID}/disable", orNotImplemented(deps.DisableKeyHandler))
			r.Post("/api/v1/admin/keys/{keyID}/primary", orNotImplemented(deps.SetPrimaryKeyHandler))
			r.Put("/api/v1/admin/keys/{keyID}/permissions", orNotImplemented(deps.UpdatePermissionsHandler))
			r.Put("/api/v1/admin/keys/{keyID}/expiry", orNotImplemented(deps.UpdateExpiryHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

			r.Post("/api/v1/admin/rotation", orNotImplemented(deps.StartRotationHandler))
			r.Get("/api/v1/admin/rotation", orNotImplemented(deps.RotationStatusHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
