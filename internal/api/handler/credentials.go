package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/internal/credential"
	"github.com/agentbus/buskeeper/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func credentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credential.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Credential not found", nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT",
			"Credential already exists for this principal and system, or the login name is taken", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", nil)
	}
}

// credentialPair resolves the {principalID}/{systemID} URL params.
func credentialPair(r *http.Request) (principalID, systemID uuid.UUID, err error) {
	principalID, err = uuid.Parse(chi.URLParam(r, "principalID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	systemID, err = uuid.Parse(chi.URLParam(r, "systemID"))
	return principalID, systemID, err
}

// NewAssignCredentialHandler returns the handler for POST /api/v1/credentials.
func NewAssignCredentialHandler(svc *credential.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PrincipalID     string  `json:"principal_id"`
			BusCoreSystemID string  `json:"bus_core_system_id"`
			LoginName       string  `json:"login_name"`
			Password        string  `json:"password"`
			TxnPassword     *string `json:"txn_password"`
			IsPrimary       bool    `json:"is_primary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		principalID, err := uuid.Parse(req.PrincipalID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "principal_id must be a valid UUID", nil)
			return
		}
		systemID, err := uuid.Parse(req.BusCoreSystemID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "bus_core_system_id must be a valid UUID", nil)
			return
		}

		cred, err := svc.Assign(r.Context(), credential.AssignParams{
			PrincipalID:     principalID,
			BusCoreSystemID: systemID,
			LoginName:       req.LoginName,
			Password:        req.Password,
			TxnPassword:     req.TxnPassword,
			IsPrimary:       req.IsPrimary,
		})
		if err != nil {
			credentialError(w, err)
			return
		}
		response.Created(w, cred)
	}
}

// NewGetCredentialHandler returns the handler for
// GET /api/v1/credentials/{principalID}/systems/{systemID}. The response
// carries the decrypted credential for one-time forwarding; it is never
// cached or logged.
func NewGetCredentialHandler(svc *credential.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, systemID, err := credentialPair(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must be valid UUIDs", nil)
			return
		}

		decrypted, err := svc.GetDecrypted(r.Context(), principalID, systemID)
		if err != nil {
			credentialError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		response.JSON(w, decrypted)
	}
}

// NewUpdateCredentialHandler returns the handler for
// PUT /api/v1/credentials/{principalID}/systems/{systemID}.
func NewUpdateCredentialHandler(svc *credential.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, systemID, err := credentialPair(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must be valid UUIDs", nil)
			return
		}

		var req struct {
			LoginName        *string `json:"login_name"`
			Password         *string `json:"password"`
			TxnPassword      *string `json:"txn_password"`
			ClearTxnPassword bool    `json:"clear_txn_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		cred, err := svc.Update(r.Context(), principalID, systemID, credential.UpdateParams{
			LoginName:        req.LoginName,
			Password:         req.Password,
			TxnPassword:      req.TxnPassword,
			ClearTxnPassword: req.ClearTxnPassword,
		})
		if err != nil {
			credentialError(w, err)
			return
		}
		response.JSON(w, cred)
	}
}

// NewRemoveCredentialHandler returns the handler for
// DELETE /api/v1/credentials/{principalID}/systems/{systemID}.
func NewRemoveCredentialHandler(svc *credential.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, systemID, err := credentialPair(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must be valid UUIDs", nil)
			return
		}

		if err := svc.Remove(r.Context(), principalID, systemID); err != nil {
			credentialError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewSetPrimaryCredentialHandler returns the handler for
// POST /api/v1/credentials/{principalID}/systems/{systemID}/primary.
func NewSetPrimaryCredentialHandler(svc *credential.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, systemID, err := credentialPair(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must be valid UUIDs", nil)
			return
		}

		if err := svc.SetPrimary(r.Context(), principalID, systemID); err != nil {
			credentialError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"principal_id":       principalID,
			"bus_core_system_id": systemID,
			"is_primary":         true,
		})
	}
}
