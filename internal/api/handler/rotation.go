package handler

import (
	"errors"
	"net/http"

	mw "github.com/agentbus/buskeeper/internal/api/middleware"
	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/internal/rotation"
)

// NewStartRotationHandler returns the handler for
// POST /api/v1/admin/rotation. The run happens in the background; the 202
// response tells the caller to poll the status endpoint.
func NewStartRotationHandler(coord *rotation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := mw.GetAPIKeyID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API credentials", nil)
			return
		}

		if err := coord.StartAsync(keyID.String()); err != nil {
			if errors.Is(err, rotation.ErrRotationInProgress) {
				response.Error(w, http.StatusConflict, "ROTATION_IN_PROGRESS",
					"A key rotation is already running", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", nil)
			return
		}

		response.Accepted(w, map[string]string{"status": "rotation started"})
	}
}

// NewRotationStatusHandler returns the handler for
// GET /api/v1/admin/rotation.
func NewRotationStatusHandler(coord *rotation.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, coord.Status())
	}
}
