package api

import (
	"bytes"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/yuin/goldmark"

	"github.com/quarrylabs/quarry/pkg/models"
)

// startResearchHandler handles POST /api/v1/research/start.
func (s *Server) startResearchHandler(c *echo.Context) error {
	var req StartResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RunID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id is required")
	}

	user := currentUser(c)
	if err := s.manager.StartResearch(c.Request().Context(), user, req.RunID, req.Message); err != nil {
		return mapServiceError(err)
	}
	return s.researchAck(c, user, req.RunID, "research started")
}

// sendMessageHandler handles POST /api/v1/research/message. The manager
// routes the message by run state: first message starts research, a
// pending plan reads it as a confirmation, anything else resumes the run
// with the message as user input.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RunID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id is required")
	}

	user := currentUser(c)
	if err := s.manager.SendMessage(c.Request().Context(), user, req.RunID, req.Message); err != nil {
		return mapServiceError(err)
	}
	return s.researchAck(c, user, req.RunID, "message accepted")
}

// pauseResearchHandler handles POST /api/v1/research/pause.
func (s *Server) pauseResearchHandler(c *echo.Context) error {
	req, err := bindRunAction(c)
	if err != nil {
		return err
	}

	user := currentUser(c)
	if err := s.manager.Pause(c.Request().Context(), user, req.RunID); err != nil {
		return mapServiceError(err)
	}
	return s.researchAck(c, user, req.RunID, "pause requested")
}

// resumeResearchHandler handles POST /api/v1/research/resume.
func (s *Server) resumeResearchHandler(c *echo.Context) error {
	req, err := bindRunAction(c)
	if err != nil {
		return err
	}

	user := currentUser(c)
	if err := s.manager.Resume(c.Request().Context(), user, req.RunID); err != nil {
		return mapServiceError(err)
	}
	return s.researchAck(c, user, req.RunID, "research resumed")
}

// cancelResearchHandler handles POST /api/v1/research/cancel.
func (s *Server) cancelResearchHandler(c *echo.Context) error {
	req, err := bindRunAction(c)
	if err != nil {
		return err
	}

	user := currentUser(c)
	if err := s.manager.Cancel(c.Request().Context(), user, req.RunID); err != nil {
		return mapServiceError(err)
	}
	return s.researchAck(c, user, req.RunID, "research cancelled")
}

// researchStateHandler handles GET /api/v1/research/state/:run_id.
func (s *Server) researchStateHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	// Ownership first; the snapshot itself is ownership-agnostic.
	if _, err := s.runs.GetRun(c.Request().Context(), currentUser(c), runID); err != nil {
		return mapServiceError(err)
	}
	snapshot, err := s.manager.Snapshot(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// researchReportHandler handles GET /api/v1/research/report/:run_id.
// ?format=html renders the markdown report.
func (s *Server) researchReportHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	if _, err := s.runs.GetRun(c.Request().Context(), currentUser(c), runID); err != nil {
		return mapServiceError(err)
	}
	snapshot, err := s.manager.Snapshot(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}

	report := finalReport(snapshot)
	if report == "" {
		return echo.NewHTTPError(http.StatusNotFound, "report is not ready")
	}

	if c.QueryParam("format") == "html" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(report), &buf); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to render report")
		}
		return c.HTML(http.StatusOK, buf.String())
	}
	return c.JSON(http.StatusOK, &ReportResponse{RunID: runID, Report: report})
}

// finalReport returns the report text of a finished run, or "".
func finalReport(snapshot *models.StateSnapshot) string {
	if snapshot.Phase != models.PhaseDone {
		return ""
	}
	for i := len(snapshot.Messages) - 1; i >= 0; i-- {
		if snapshot.Messages[i].Role == models.MessageRoleAssistant {
			return snapshot.Messages[i].Content
		}
	}
	return ""
}

// researchAck responds with the run's status after a research verb.
func (s *Server) researchAck(c *echo.Context, user, runID, message string) error {
	status := ""
	if run, err := s.runs.GetRun(c.Request().Context(), user, runID); err == nil {
		status = string(run.Status)
	}
	return c.JSON(http.StatusOK, &ResearchResponse{RunID: runID, Status: status, Message: message})
}

// bindRunAction decodes the shared {run_id} action body.
func bindRunAction(c *echo.Context) (*RunActionRequest, error) {
	var req RunActionRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RunID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "run_id is required")
	}
	return &req, nil
}
