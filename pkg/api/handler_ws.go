package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// websocketHandler handles GET /ws/:run_id. Authentication happens here
// rather than in middleware because browser WebSocket clients can only
// pass the token as a query parameter.
func (s *Server) websocketHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	user, err := s.authenticate(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if _, err := s.runs.GetRun(c.Request().Context(), user, runID); err != nil {
		return mapServiceError(err)
	}

	// Origin checking is left to the deployment proxy.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("WebSocket accept failed", "run_id", runID, "error", err)
		return nil
	}

	s.logger.Info("WebSocket connected", "run_id", runID, "user_id", user)
	s.connManager.HandleConnection(c.Request().Context(), conn, runID)
	return nil
}
