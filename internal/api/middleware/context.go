package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	partnerIDKey   contextKey = "partner_id"
	apiKeyIDKey    contextKey = "api_key_id"
	apiKeyValueKey contextKey = "api_key_value"
	permissionsKey contextKey = "api_key_permissions"
)

func SetPartnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, partnerIDKey, id)
}

func GetPartnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(partnerIDKey).(uuid.UUID)
	return id, ok
}

func setAPIKeyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, id)
}

func GetAPIKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(apiKeyIDKey).(uuid.UUID)
	return id, ok
}

func setAPIKeyValue(ctx context.Context, keyValue string) context.Context {
	return context.WithValue(ctx, apiKeyValueKey, keyValue)
}

func getAPIKeyValue(r *http.Request) (string, bool) {
	keyValue, ok := r.Context().Value(apiKeyValueKey).(string)
	return keyValue, ok
}

func setPermissions(ctx context.Context, permissions []string) context.Context {
	return context.WithValue(ctx, permissionsKey, permissions)
}

func getPermissions(r *http.Request) []string {
	permissions, _ := r.Context().Value(permissionsKey).([]string)
	return permissions
}
