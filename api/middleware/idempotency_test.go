package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

type memoryReplayStore struct {
	data map[string]string
	ttl  map[string]time.Duration
}

func newMemoryReplayStore() *memoryReplayStore {
	return &memoryReplayStore{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *memoryReplayStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryReplayStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.data[key] = value.(string)
	m.ttl[key] = ttl
	return nil
}

func (m *memoryReplayStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	return true, m.Set(ctx, key, value, ttl)
}

func (m *memoryReplayStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryReplayStore) IdempotencyKey(scope, id string) string {
	return "test:" + scope + ":" + id
}

func post(path, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestReplayTTL(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   time.Duration
		ok     bool
	}{
		{http.MethodPost, "/api/v1/payments/intents", moneyReplayTTL, true},
		{http.MethodPost, "/api/v1/payments/intents/6b7c/cancel", moneyReplayTTL, true},
		{http.MethodPost, "/api/v1/payments/confirm", moneyReplayTTL, true},
		{http.MethodPost, "/api/v1/applications/12/cancel", moneyReplayTTL, true},
		{http.MethodPost, "/api/admin/payouts/6b7c", moneyReplayTTL, true},
		{http.MethodPost, "/api/v1/applications/12/approve", shortReplayTTL, true},
		{http.MethodPut, "/api/v1/sellers/me/payout-profile", shortReplayTTL, true},
		{http.MethodGet, "/api/v1/applications/12", 0, false},
		{http.MethodPost, "/api/v1/applications/12/extra/cancel", 0, false},
	}
	for _, tt := range tests {
		ttl, ok := replayTTL(tt.method, tt.path)
		require.Equal(t, tt.ok, ok, tt.path)
		require.Equal(t, tt.want, ttl, tt.path)
	}
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	called := false
	h := Idempotency(newMemoryReplayStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post("/api/v1/payments/confirm", "", `{}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, called)
}

func TestIdempotencyReplaysFinishedResponse(t *testing.T) {
	store := newMemoryReplayStore()
	calls := 0
	h := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"intentId":"i-1"}}`))
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, post("/api/v1/payments/intents", "k1", `{"applicationId":1}`))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, post("/api/v1/payments/intents", "k1", `{"applicationId":1}`))
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, `{"data":{"intentId":"i-1"}}`, second.Body.String())
	require.Equal(t, 1, calls)

	for key, ttl := range store.ttl {
		require.Equal(t, moneyReplayTTL, ttl, key)
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	h := Idempotency(newMemoryReplayStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), post("/api/v1/payments/confirm", "k2", `{"amount":1}`))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post("/api/v1/payments/confirm", "k2", `{"amount":2}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(pkgerrors.CodeIdempotency), errorCode(t, rec))
}

func TestIdempotencyBlocksConcurrentDuplicate(t *testing.T) {
	store := newMemoryReplayStore()
	var inner http.Handler
	outer := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a duplicate arrives while the first request is still running
		dup := httptest.NewRecorder()
		inner.ServeHTTP(dup, post("/api/v1/payments/confirm", "k3", `{}`))
		require.Equal(t, http.StatusConflict, dup.Code)
		require.Equal(t, string(pkgerrors.CodeConflict), errorCode(t, dup))
		w.WriteHeader(http.StatusOK)
	}))
	inner = outer

	rec := httptest.NewRecorder()
	outer.ServeHTTP(rec, post("/api/v1/payments/confirm", "k3", `{}`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := newMemoryReplayStore()
	status := http.StatusBadGateway
	calls := 0
	h := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	h.ServeHTTP(httptest.NewRecorder(), post("/api/v1/payments/confirm", "k4", `{}`))
	require.Empty(t, store.data)

	status = http.StatusOK
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post("/api/v1/payments/confirm", "k4", `{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, calls)
}

func TestIdempotencySkipsUnguardedRoutes(t *testing.T) {
	h := Idempotency(newMemoryReplayStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/applications/1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
