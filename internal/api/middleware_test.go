package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/sentinel/internal/log"
)

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(log.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRecoveryAfterHeadersSent(t *testing.T) {
	handler := recoveryMiddleware(log.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		panic("late panic")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	// Headers already on the wire; the recovery must not rewrite them.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := requestIDMiddleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"direct", "203.0.113.7:4567", "", "", false, "203.0.113.7"},
		{"proxy headers ignored when untrusted", "203.0.113.7:4567", "10.0.0.1", "", false, "203.0.113.7"},
		{"x-real-ip wins when trusted", "127.0.0.1:80", "198.51.100.3", "192.0.2.1", true, "198.51.100.3"},
		{"x-forwarded-for first hop", "127.0.0.1:80", "", "192.0.2.1, 10.0.0.1", true, "192.0.2.1"},
		{"garbage header falls back", "127.0.0.1:80", "not-an-ip", "", true, "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trustProxy))
		})
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := newIPLimiter(1.0, 2)

	assert.True(t, rl.allow("192.0.2.1"))
	assert.True(t, rl.allow("192.0.2.1"))
	assert.False(t, rl.allow("192.0.2.1"))

	// A different client has its own bucket.
	assert.True(t, rl.allow("192.0.2.2"))
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	rl := newIPLimiter(1.0, 1)

	require.True(t, rl.allow("192.0.2.9"))
	rl.mu.Lock()
	rl.lastHit["192.0.2.9"] = time.Now().Add(-2 * bucketIdleTTL)
	rl.sweepLocked(time.Now())
	_, kept := rl.buckets["192.0.2.9"]
	rl.mu.Unlock()

	assert.False(t, kept)
	// A fresh bucket means a fresh burst allowance.
	assert.True(t, rl.allow("192.0.2.9"))
}
