package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/quarrylabs/quarry/pkg/models"
)

// listApprovalsHandler handles GET /api/v1/approvals/:run_id.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	approvals, err := s.approvals.ListPending(c.Request().Context(), currentUser(c), runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.ApprovalListResponse{Approvals: approvals})
}

// respondApprovalHandler handles POST /api/v1/approvals/:run_id/:command_hash.
// A granted approval relaunches the parked run.
func (s *Server) respondApprovalHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	hash := c.Param("command_hash")
	if runID == "" || hash == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id and command hash are required")
	}

	var req models.RespondApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}

	approval, err := s.manager.RespondApproval(c.Request().Context(), currentUser(c), runID, hash, *req.Approved)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, approval)
}
