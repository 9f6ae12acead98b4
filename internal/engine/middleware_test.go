package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"no header", "", ""},
		{"bearer token", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase scheme", "bearer abc", "abc"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"scheme only", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(r))
		})
	}
}

func TestBearerTokenMiddlewareStashesToken(t *testing.T) {
	m := NewMiddleware(&Engine{})

	var got string
	handler := m.BearerToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = bearerTokenFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/check-access", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "tok-123", got)

	got = "unset"
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/check-access", nil))
	assert.Equal(t, "", got)
}

func TestRequestIDMiddleware(t *testing.T) {
	m := NewMiddleware(&Engine{})

	var got string
	handler := m.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestIDFromContext(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.NotEmpty(t, got)
		assert.Equal(t, got, w.Header().Get("X-Request-ID"))
	})

	t.Run("honors a caller-supplied id", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("X-Request-ID", "trace-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, "trace-42", got)
		assert.Equal(t, "trace-42", w.Header().Get("X-Request-ID"))
	})
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	m := NewMiddleware(&Engine{})

	called := false
	handler := m.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/realms", nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
