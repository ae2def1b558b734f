package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthAggregatesComponents(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "test")
	h.RegisterCheck("database", PingCheck(func(context.Context) error { return nil }, false))
	h.RegisterCheck("redis", PingCheck(func(context.Context) error { return errors.New("refused") }, true))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Components["database"].Status)
	assert.Equal(t, "refused", resp.Components["redis"].Message)
}

func TestReadinessFailsOnRequiredComponent(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "test")
	h.RegisterCheck("index", PingCheck(func(context.Context) error { return errors.New("down") }, false))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
