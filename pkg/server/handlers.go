package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
)

// httpError writes the compact error envelope through errmodel so REST and
// WebSocket clients see the same shape.
func httpError(c echo.Context, err error) error {
	errmodel.WriteHTTP(c.Response(), c.Request(), err)
	return nil
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ingestRequest is the REST batch submission body.
type ingestRequest struct {
	Events []devent.RawEvent `json:"events"`
}

// handleIngestBatch accepts a batch over plain HTTP for producers that
// cannot hold a WebSocket open. Per-item failures, same as bulk.
func (s *Server) handleIngestBatch(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, errmodel.Validation("invalid_body", "request body is not valid JSON", nil))
	}
	if len(req.Events) == 0 {
		return httpError(c, errmodel.Validation("empty_batch", "events must not be empty", nil))
	}

	// HTTP submissions get a throwaway connection identity so receivedAt
	// ordering holds within the batch.
	ctx := c.Request().Context()
	connID := "http-" + devent.NewConnectionID()
	defer s.pipeline.ForgetConnection(connID)

	results := s.pipeline.IngestBulk(ctx, connID, req.Events)
	statuses := make([]BulkItemStatus, 0, len(results))
	accepted := 0
	for _, r := range results {
		if r.Err != nil {
			statuses = append(statuses, BulkItemStatus{Error: errmodel.From(r.Err)})
			continue
		}
		statuses = append(statuses, BulkItemStatus{EventID: r.Event.ID})
		accepted++
		s.afterIngest(ctx, r.Event)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  statuses,
	})
}

func (s *Server) handlePatterns(c echo.Context) error {
	sessionID := c.Param("sessionID")
	got, err := s.sessionPatterns(c.Request().Context(), sessionID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessionId": sessionID, "patterns": got})
}

func (s *Server) handleChangelog(c echo.Context) error {
	sessionID := c.Param("sessionID")
	cl, err := s.changelog.Generate(c.Request().Context(), sessionID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.reg.ListSessions()})
}

// outcomeRequest is the solution feedback body.
type outcomeRequest struct {
	Outcome string `json:"outcome"`
}

// handleOutcome records accepted/rejected feedback on a solution. The
// outcome is set at most once; a second attempt conflicts.
func (s *Server) handleOutcome(c echo.Context) error {
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, errmodel.Validation("invalid_body", "request body is not valid JSON", nil))
	}
	solutionID := c.Param("solutionID")
	if err := s.events.SetSolutionOutcome(c.Request().Context(), solutionID, devent.Outcome(req.Outcome)); err != nil {
		return httpError(c, err)
	}
	sol, err := s.events.GetSolution(c.Request().Context(), solutionID)
	if err != nil {
		return httpError(c, err)
	}
	// Let the session see the recorded outcome.
	s.reg.Broadcast(sol.SessionID, solutionMsg(sol))
	return c.JSON(http.StatusOK, map[string]any{"solutionId": sol.ID, "outcome": sol.Outcome})
}
