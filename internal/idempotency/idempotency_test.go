package idempotency_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/concert-seat-admission/internal/idempotency"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type mapStore struct {
	mu      sync.Mutex
	stored  map[string]idempotency.Response
	claimed map[string]bool
}

func newMapStore() *mapStore {
	return &mapStore{stored: map[string]idempotency.Response{}, claimed: map[string]bool{}}
}

func (m *mapStore) Get(_ context.Context, key string) (*idempotency.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.stored[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *mapStore) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[key] {
		return false, nil
	}
	m.claimed[key] = true
	return true, nil
}

func (m *mapStore) Set(_ context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = resp
	delete(m.claimed, key)
	return nil
}

func (m *mapStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, key)
	return nil
}

const key = "0123456789abcdef-key"

func handler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"n":1}`))
	})
}

func post(h http.Handler, user, k string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", user)
	if k != "" {
		req.Header.Set(idempotency.Header, k)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func byUser(r *http.Request) string { return r.Header.Get("X-User-ID") }

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	idem := idempotency.NewIdempotency(newMapStore(), time.Hour, observability.NewDiscardLogger())
	h := idem.Middleware(byUser)(handler(&calls, http.StatusCreated))

	first := post(h, "U1", key)
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(h, "U1", key)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, `{"n":1}`, second.Body.String())
	assert.Equal(t, 1, calls)

	// another user with the same key is a different request
	post(h, "U2", key)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_RejectsMissingOrShortKey(t *testing.T) {
	calls := 0
	idem := idempotency.NewIdempotency(newMapStore(), time.Hour, observability.NewDiscardLogger())
	h := idem.Middleware(byUser)(handler(&calls, http.StatusCreated))

	assert.Equal(t, http.StatusBadRequest, post(h, "U1", "").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "U1", "short").Code)
	assert.Zero(t, calls)
}

func TestMiddleware_ServerErrorsAreRetryable(t *testing.T) {
	calls := 0
	idem := idempotency.NewIdempotency(newMapStore(), time.Hour, observability.NewDiscardLogger())
	h := idem.Middleware(byUser)(handler(&calls, http.StatusServiceUnavailable))

	post(h, "U1", key)
	post(h, "U1", key)
	assert.Equal(t, 2, calls)
}
