package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/usagepulse/internal/domain"
	"github.com/pscheid92/usagepulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/usagepulse/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runErrorMiddleware(t *testing.T, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/usage", nil), rec)

	require.NoError(t, ErrorHandlingMiddleware()(handler)(c))
	return rec
}

func TestErrorHandlingMiddleware_Types(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   apperrors.ErrorType
	}{
		{"validation", apperrors.ValidationError("websocket upgrade required"), http.StatusBadRequest, apperrors.TypeValidation},
		{"unauthorized", apperrors.UnauthorizedError("bad token"), http.StatusUnauthorized, apperrors.TypeUnauthorized},
		{"unavailable", apperrors.UnavailableError("too many connections", nil), http.StatusServiceUnavailable, apperrors.TypeUnavailable},
		{"internal", apperrors.InternalError("failed", errors.New("cause")), http.StatusInternalServerError, apperrors.TypeInternal},
		{"domain sentinel", domain.ErrTooManySessions, http.StatusServiceUnavailable, apperrors.TypeUnavailable},
		{"plain error", errors.New("standard error"), http.StatusInternalServerError, apperrors.TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runErrorMiddleware(t, func(c echo.Context) error { return tt.err })

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
		})
	}
}

func TestErrorHandlingMiddleware_Context(t *testing.T) {
	rec := runErrorMiddleware(t, func(c echo.Context) error {
		return apperrors.UnavailableError("too many connections", nil).WithContext("max_connections", 10)
	})

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "too many connections", resp.Error)
	assert.Equal(t, float64(10), resp.Context["max_connections"])
}

func TestErrorHandlingMiddleware_NoError(t *testing.T) {
	rec := runErrorMiddleware(t, func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestErrorHandlingMiddleware_PassesHTTPErrorThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	httpErr := echo.NewHTTPError(http.StatusNotFound, "not found")
	err := ErrorHandlingMiddleware()(func(c echo.Context) error { return httpErr })(c)

	assert.Same(t, httpErr, err)
}

func TestErrorHandlingMiddleware_CommittedResponse(t *testing.T) {
	rec := runErrorMiddleware(t, func(c echo.Context) error {
		_ = c.String(http.StatusOK, "partial")
		return errors.New("late failure")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestCorrelationMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"generated", ""},
		{"caller supplied", "req-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(correlation.HeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			err := correlationMiddleware(func(c echo.Context) error {
				seen, _ = correlation.ID(c.Request().Context())
				return nil
			})(c)
			require.NoError(t, err)

			assert.NotEmpty(t, seen)
			if tt.header != "" {
				assert.Equal(t, tt.header, seen)
			}
			assert.Equal(t, seen, rec.Header().Get(correlation.HeaderName))
		})
	}
}
