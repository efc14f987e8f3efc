package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/quarrylabs/quarry/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. It is unauthenticated so load
// balancers and operators can probe without credentials.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
		Checks:  map[string]HealthCheck{},
	}

	if err := s.store.DB().PingContext(ctx); err != nil {
		resp.Status = healthStatusUnhealthy
		resp.Checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Checks["database"] = HealthCheck{Status: healthStatusHealthy}
	return c.JSON(http.StatusOK, resp)
}

// systemInfoHandler handles GET /api/v1/system/info.
func (s *Server) systemInfoHandler(c *echo.Context) error {
	resp := &SystemInfoResponse{
		Name:          version.AppName,
		Version:       version.GitCommit,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.manager != nil {
		resp.LiveRuns = s.manager.LiveCount()
	}
	if s.connManager != nil {
		resp.ActiveConnections = s.connManager.ActiveConnections()
	}
	return c.JSON(http.StatusOK, resp)
}
