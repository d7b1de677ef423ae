package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mining-engine/pkg/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNew_RoutesMounted(t *testing.T) {
	eng := newTestEngine(t)
	handler := New(eng)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mining/start", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_ReadinessFollowsLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	handler := New(eng)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, eng.Start(t.Context()))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewFromConfigFile_Missing(t *testing.T) {
	_, _, err := NewFromConfigFile("/nonexistent/config.yml")
	assert.Error(t, err)
}
