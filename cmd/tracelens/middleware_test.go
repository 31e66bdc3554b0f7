package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/run-42/graph", "/api/v1/runs/:id/graph"},
		{"/api/v1/runs/thread_abc/checkpoints", "/api/v1/runs/:id/checkpoints"},
		{"/api/v1/runs/t1/checkpoints/cp-3/diff", "/api/v1/runs/:id/checkpoints/:id/diff"},
		{"/api/v1/runs/t1/checkpoints/cp-3/state", "/api/v1/runs/:id/checkpoints/:id/state"},
		{"/api/v1/runs/t1/resume", "/api/v1/runs/:id/resume"},
		{"/api/v1/runs/deadbeef01234567/branch", "/api/v1/runs/:id/branch"},
		{"/unrelated/path", "/unrelated/path"},
		{"/unrelated/1234567890", "/unrelated/:id"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), tag("outer"), tag("middle"), tag("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	mw := APIKeyAuth([]string{"secret"}, []string{"/health"}, zap.NewNop())
	h := mw(okHandler())

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("X-API-Key", "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("X-API-Key", "nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("skip path exempt", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no keys configured passes all", func(t *testing.T) {
		open := APIKeyAuth(nil, nil, zap.NewNop())(okHandler())
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1 rps with burst 2: third immediate request is rejected.
	h := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	// A different client IP has its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	t.Run("allowed origin gets headers", func(t *testing.T) {
		h := CORS([]string{"https://ui.example.com"})(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://ui.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		h := CORS([]string{"https://ui.example.com"})(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origins configured refuses cross-origin preflight", func(t *testing.T) {
		h := CORS(nil)(okHandler())
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://anywhere.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("preflight for allowed origin", func(t *testing.T) {
		h := CORS([]string{"https://ui.example.com"})(okHandler())
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://ui.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		var got string
		h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = RequestIDFromContext(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, got)
		assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
	})

	t.Run("client value preserved", func(t *testing.T) {
		h := RequestID()(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-fixed")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-fixed", rec.Header().Get("X-Request-ID"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders()(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
