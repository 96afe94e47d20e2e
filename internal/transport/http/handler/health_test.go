package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	for name, tc := range map[string]struct {
		checks map[string]HealthCheck
		status int
	}{
		"all up":   {checks: map[string]HealthCheck{"mysql": ok, "redis": ok}, status: http.StatusOK},
		"one down": {checks: map[string]HealthCheck{"mysql": ok, "redis": down}, status: http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			router := gin.New()
			router.GET("/healthz", NewHealthHandler("gopherchat", "test", time.Now(), tc.checks).Check)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), `"app":"gopherchat"`)
		})
	}
}
