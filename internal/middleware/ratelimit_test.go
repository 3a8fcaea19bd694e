package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func contextWithTenant(r *http.Request, tenantID string) context.Context {
	return context.WithValue(r.Context(), TenantContextKey, &TenantClaims{TenantID: tenantID})
}

func TestRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Check("t-1", 3, time.Minute)
		assert.True(t, allowed)
	}

	allowed, remaining, _ := rl.Check("t-1", 3, time.Minute)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiter_IsolatesPerTenant(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 2; i++ {
		allowed, _, _ := rl.Check("t-a", 2, time.Minute)
		assert.True(t, allowed)
	}

	allowed, _, _ := rl.Check("t-b", 2, time.Minute)
	assert.True(t, allowed)
}

func TestRateLimiter_WindowExpiresOldEntries(t *testing.T) {
	rl := NewRateLimiter()

	allowed, _, _ := rl.Check("t-1", 1, 10*time.Millisecond)
	assert.True(t, allowed)

	allowed, _, _ = rl.Check("t-1", 1, 10*time.Millisecond)
	assert.False(t, allowed)

	time.Sleep(20 * time.Millisecond)

	allowed, _, _ = rl.Check("t-1", 1, 10*time.Millisecond)
	assert.True(t, allowed)
}

func TestRateLimitMiddleware_SetsHeadersAndBlocksOverLimit(t *testing.T) {
	m := NewRateLimitMiddleware(1, time.Minute)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(contextWithTenant(req, "t-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := makeReq()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := makeReq()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_SkipsWhenNoTenant(t *testing.T) {
	m := NewRateLimitMiddleware(1, time.Minute)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
