package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mw "github.com/agentbus/buskeeper/internal/api/middleware"
	"github.com/agentbus/buskeeper/internal/apikey"
	"github.com/agentbus/buskeeper/internal/store"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

type mockStore struct {
	key *models.APIKey
	err error
}

func (m *mockStore) CreateAPIKey(_ context.Context, _ *models.APIKey, _ bool) error { return nil }
func (m *mockStore) GetAPIKey(_ context.Context, _ uuid.UUID) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) GetAPIKeyByValue(_ context.Context, keyValue string) (*models.APIKey, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.key == nil || m.key.KeyValue != keyValue {
		return nil, store.ErrNotFound
	}
	return m.key, nil
}
func (m *mockStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *mockStore) UpdateAPIKey(_ context.Context, _ *models.APIKey) error        { return nil }
func (m *mockStore) SetPrimaryAPIKey(_ context.Context, _, _ uuid.UUID) error      { return nil }
func (m *mockStore) DeleteAPIKey(_ context.Context, _ uuid.UUID) error             { return nil }
func (m *mockStore) RecordAPIKeyUsage(_ context.Context, _ uuid.UUID) error        { return nil }

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) SetNX(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                         { return nil }
func (m *mockCache) Ping(_ context.Context) error                                     { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

const (
	testKeyValue = "ak_test_1234567890abcdefghijklmnopqrstuv"
	testSecret   = "correct-horse-battery-staple"
)

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func activeKey(t *testing.T, permissions ...string) *models.APIKey {
	t.Helper()
	return &models.APIKey{
		ID:          uuid.Must(uuid.NewV7()),
		PartnerID:   uuid.Must(uuid.NewV7()),
		KeyValue:    testKeyValue,
		SecretHash:  hashSecret(t, testSecret),
		Permissions: permissions,
		IsActive:    true,
	}
}

func newAuth(ms *mockStore) *mw.Auth {
	return mw.NewAuth(apikey.NewValidator(ms, nil))
}

func authedRequest() *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-API-Key", testKeyValue)
	req.Header.Set("X-API-Secret", testSecret)
	return req
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingHeaders(t *testing.T) {
	auth := newAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errBody(t, w)["code"])
}

func TestAuth_UnknownKey(t *testing.T) {
	auth := newAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errBody(t, w)["code"])
}

func TestAuth_WrongSecret(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead)})
	handler := auth.Authenticate(okHandler())

	req := authedRequest()
	req.Header.Set("X-API-Secret", "not-the-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errBody(t, w)["code"])
}

func TestAuth_DisabledKey(t *testing.T) {
	key := activeKey(t, models.PermissionRead)
	key.IsActive = false
	auth := newAuth(&mockStore{key: key})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	// A disabled key is indistinguishable from a wrong secret.
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errBody(t, w)["code"])
}

func TestAuth_ExpiredKey(t *testing.T) {
	key := activeKey(t, models.PermissionRead)
	past := time.Now().UTC().Add(-time.Hour)
	key.ExpiresAt = &past
	auth := newAuth(&mockStore{key: key})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errBody(t, w)["code"])
}

func TestAuth_ValidKeySetsContext(t *testing.T) {
	key := activeKey(t, models.PermissionRead, models.PermissionWrite)
	auth := newAuth(&mockStore{key: key})

	var gotPartnerID, gotKeyID uuid.UUID
	var partnerOK, keyOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPartnerID, partnerOK = mw.GetPartnerID(r)
		gotKeyID, keyOK = mw.GetAPIKeyID(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, partnerOK)
	require.True(t, keyOK)
	assert.Equal(t, key.PartnerID, gotPartnerID)
	assert.Equal(t, key.ID, gotKeyID)
}

func TestAuth_RequirePermission_Allowed(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead, models.PermissionWrite)})
	handler := auth.Authenticate(auth.RequirePermission(models.PermissionWrite)(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequirePermission_AdminImpliesAll(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionAdmin)})
	handler := auth.Authenticate(auth.RequirePermission(models.PermissionWrite)(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequirePermission_Denied(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead)})
	handler := auth.Authenticate(auth.RequirePermission(models.PermissionAdmin)(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead)})
	mc := &mockCache{counter: 0}
	rl := mw.NewRateLimit(mc, 60)

	handler := auth.Authenticate(rl.Limit(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead)})
	mc := &mockCache{counter: 60} // next IncrWithExpiry will return 61
	rl := mw.NewRateLimit(mc, 60)

	handler := auth.Authenticate(rl.Limit(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpenOnCacheError(t *testing.T) {
	auth := newAuth(&mockStore{key: activeKey(t, models.PermissionRead)})
	mc := &mockCache{err: assert.AnError}
	rl := mw.NewRateLimit(mc, 60)

	handler := auth.Authenticate(rl.Limit(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest())

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_Unauthenticated_PassThrough(t *testing.T) {
	mc := &mockCache{}
	rl := mw.NewRateLimit(mc, 60)

	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, mc.counter)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PropagatesConnectionAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	handler := mw.Recovery(aborting)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(w, req)
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesResponseThrough(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
