package http

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/infrastructure"
	apimw "meshlicense/internal/middleware"
	"meshlicense/internal/shared/testutil"
)

func TestRouterHealth(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	healthy := true
	health := NewHealthHandler(VersionInfo{Version: "1.2.3"}, map[string]HealthCheck{
		"store": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("database is locked")
		},
	}, logger)
	router := NewRouter(RouterConfig{Health: health, Logger: logger})

	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = doRequest(t, router, http.MethodGet, "/healthz/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = doRequest(t, router, http.MethodGet, "/healthz/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "database is locked", body["checks"].(map[string]interface{})["store"])

	rec = doRequest(t, router, http.MethodGet, "/healthz/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", decodeBody(t, rec)["version"])
}

func TestRouterProblemDocuments(t *testing.T) {
	router := newTestRouter(t, new(MockLicenseService))

	rec := doRequest(t, router, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, licenseErrors.TypeNotFound, decodeBody(t, rec)["type"])
	assert.NotEmpty(t, rec.Header().Get(apimw.RequestIDHeader))

	rec = doRequest(t, router, http.MethodPut, "/v1/check", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouterRecoversPanics(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("DeviceID").Return(testDevice)
	svc.On("Pool").Panic("boom")
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, licenseErrors.TypeInternal, decodeBody(t, rec)["type"])
}

func TestRouterMetricsAndEvents(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	httpMetrics, err := infrastructure.NewHTTPMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	metricsHit, eventsHit := false, false
	router := NewRouter(RouterConfig{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metricsHit = true
		}),
		Events: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			eventsHit = true
		}),
		HTTPMetrics: httpMetrics,
		Logger:      logger,
	})

	assert.Equal(t, http.StatusOK, doRequest(t, router, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, router, http.MethodGet, "/v1/events", "").Code)
	assert.True(t, metricsHit)
	assert.True(t, eventsHit)
}
