package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	apperrors "github.com/pscheid92/usagepulse/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration_NoConflicts(t *testing.T) {
	reg := NewRegistry()

	assert.NotPanics(t, func() {
		NewHTTPMetrics(reg)
		NewWebSocketMetrics(reg)
		NewPresenceMetrics(reg)
	})
}

func TestRegistration_DuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPresenceMetrics(reg)

	assert.Panics(t, func() { NewPresenceMetrics(reg) })
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPresenceMetrics(reg)
	m.LiveDevices.Set(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "usagepulse_presence_live_devices 3")
}

func TestHTTPMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg, "/healthz")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/version", func(c echo.Context) error { return c.String(http.StatusOK, "v") })
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/version", "/version", "/healthz"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/version", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlightGauge))

	expected := `
# HELP usagepulse_http_requests_total Total number of HTTP requests.
# TYPE usagepulse_http_requests_total counter
usagepulse_http_requests_total{method="GET",route="/version",status_code="200"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(m.RequestsTotal, strings.NewReader(expected)))
}

func TestHTTPMiddleware_StatusFromReturnedError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/bad", func(echo.Context) error { return apperrors.ValidationError("nope") })
	e.GET("/gone", func(echo.Context) error { return echo.NewHTTPError(http.StatusGone) })
	e.GET("/boom", func(echo.Context) error { return errors.New("boom") })

	for _, path := range []string{"/bad", "/gone", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/bad", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/gone", "410")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/boom", "500")))
}

func TestNewRegistry_ExportsBuildInfo(t *testing.T) {
	reg := NewRegistry()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "usagepulse_build_info" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 1.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
