package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/quarrylabs/quarry/pkg/models"
)

// createRunHandler handles POST /api/v1/runs.
func (s *Server) createRunHandler(c *echo.Context) error {
	var req models.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	run, err := s.runs.CreateRun(c.Request().Context(), currentUser(c), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	result, err := s.runs.ListRuns(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	run, err := s.runs.GetRun(c.Request().Context(), currentUser(c), runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// updateRunHandler handles PATCH /api/v1/runs/:id. Title renames the run;
// status accepts only "paused" and "active", which pause or resume it.
func (s *Server) updateRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	var req models.UpdateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == nil && req.Status == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	user := currentUser(c)
	if req.Title != nil {
		if _, err := s.runs.UpdateTitle(c.Request().Context(), user, runID, *req.Title); err != nil {
			return mapServiceError(err)
		}
	}
	if req.Status != nil {
		switch *req.Status {
		case string(models.RunStatusPaused):
			if err := s.manager.Pause(c.Request().Context(), user, runID); err != nil {
				return mapServiceError(err)
			}
		case string(models.RunStatusActive):
			if err := s.manager.Resume(c.Request().Context(), user, runID); err != nil {
				return mapServiceError(err)
			}
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "status must be paused or active")
		}
	}

	run, err := s.runs.GetRun(c.Request().Context(), user, runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// deleteRunHandler handles DELETE /api/v1/runs/:id. Checkpoints, events,
// and approvals cascade with the run.
func (s *Server) deleteRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.manager.IsLive(runID) {
		return echo.NewHTTPError(http.StatusConflict, "run is executing; cancel it first")
	}

	if err := s.runs.DeleteRun(c.Request().Context(), currentUser(c), runID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listRunEventsHandler handles GET /api/v1/runs/:id/events.
func (s *Server) listRunEventsHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	afterID := int64(0)
	if v := c.QueryParam("after_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = id
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}

	records, err := s.eventService.ListEvents(c.Request().Context(), currentUser(c), runID, afterID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, records)
}
