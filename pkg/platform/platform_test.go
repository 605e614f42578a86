package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("QG_TEST_STR", "x")
	t.Setenv("QG_TEST_EMPTY", "")
	t.Setenv("QG_TEST_INT", "42")
	t.Setenv("QG_TEST_BAD_INT", "forty")

	assert.Equal(t, "x", GetEnv("QG_TEST_STR", "d"))
	assert.Equal(t, "d", GetEnv("QG_TEST_EMPTY", "d"))
	assert.Equal(t, "d", GetEnv("QG_TEST_MISSING", "d"))
	assert.Equal(t, 42, GetEnvInt("QG_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("QG_TEST_BAD_INT", 1))
	assert.Equal(t, 1, GetEnvInt("QG_TEST_MISSING", 1))
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")

	assert.Equal(t, "configured", ResolveAPIKey("configured"))
	assert.Equal(t, "from-env", ResolveAPIKey(""))

	t.Setenv(EnvAPIKey, "")
	assert.Empty(t, ResolveAPIKey(""))
}

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"missing", "k", "", http.StatusUnauthorized},
		{"wrong", "k", "nope", http.StatusUnauthorized},
		{"match", "k", "k", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			APIKeyMiddleware(tt.key)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestPostJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(APIKeyHeader))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(2, time.Second)
	c.Backoff = time.Millisecond
	c.APIKey = "secret"
	c.Logger = zerolog.Nop()

	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostJSON_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(1, time.Second)
	c.Backoff = time.Millisecond
	c.Logger = zerolog.Nop()

	_, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPostJSON_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(3, time.Second)
	c.Logger = zerolog.Nop()
	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}
