package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/archive"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

// maxBatch bounds one ingest request.
const maxBatch = 1000

// httpError maps engine and archive errors to HTTP status codes.
func httpError(err error) error {
	var status int
	switch {
	case errors.Is(err, engine.ErrEntityNotFound),
		errors.Is(err, engine.ErrNoDecision),
		errors.Is(err, execution.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidSample),
		errors.Is(err, engine.ErrInvalidOverride),
		errors.Is(err, execution.ErrInvalidProgress):
		status = http.StatusBadRequest
	case errors.Is(err, execution.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrInboxFull),
		errors.Is(err, archive.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Tick:     s.engine.CurrentTick(),
		Entities: len(s.engine.Entities()),
		Services: map[string]string{"engine": "ok"},
	}

	if s.history != nil {
		if err := s.history.Ping(ctx); err != nil {
			s.logger.Warn("archive health check failed", zap.Error(err))
			resp.Services["archive"] = "unavailable"
			resp.Status = "degraded"
		} else {
			resp.Services["archive"] = "ok"
		}
	}
	if s.tel != nil {
		h := s.tel.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid ingest request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Samples) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "samples field is required")
	}
	if len(req.Samples) > maxBatch {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "at most "+strconv.Itoa(maxBatch)+" samples per request")
	}

	ctx := c.Request().Context()
	var resp IngestResponse
	for i, sample := range req.Samples {
		err := s.engine.Ingest(ctx, sample)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, engine.ErrRateLimited):
			// Everything after this point would be limited too.
			if resp.Accepted == 0 {
				return httpError(err)
			}
			for j := i; j < len(req.Samples); j++ {
				resp.Rejected = append(resp.Rejected, RejectedSample{Index: j, Error: err.Error()})
			}
			return c.JSON(http.StatusAccepted, resp)
		default:
			resp.Rejected = append(resp.Rejected, RejectedSample{Index: i, Error: err.Error()})
		}
	}

	if resp.Accepted == 0 {
		return c.JSON(http.StatusBadRequest, resp)
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleCatalog(c echo.Context) error {
	if s.catalog == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "catalog is not available")
	}
	cat := s.catalog.Snapshot()
	if cat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no catalog loaded")
	}
	return c.JSON(http.StatusOK, CatalogResponse{
		Version:    cat.Version,
		Generation: s.catalog.Generation(),
		Phases:     cat.Phases,
		Rules:      len(cat.Rules),
		Packages:   len(cat.Packages),
		Triggers:   len(cat.Triggers),
		Indicators: cat.Indicators(),
	})
}

func (s *Server) handleListEntities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Entities())
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id field is required")
	}
	if err := s.engine.Register(req.ID, req.Phase); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleDecision(c echo.Context) error {
	d, err := s.engine.Decision(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleProposal(c echo.Context) error {
	p, err := s.engine.Proposal(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleIndicators(c echo.Context) error {
	inds, err := s.engine.Indicators(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inds)
}

func (s *Server) handleExecutions(c echo.Context) error {
	execs, err := s.engine.Executions(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if status := c.QueryParam("status"); status != "" {
		want, err := execution.ParseStatus(status)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := execs[:0]
		for _, e := range execs {
			if e.Status == want {
				filtered = append(filtered, e)
			}
		}
		execs = filtered
	}
	return c.JSON(http.StatusOK, execs)
}

func (s *Server) handleOverride(c echo.Context) error {
	var req OverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	o, err := gate.ParseOverride(req.Override)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.Override(c.Request().Context(), c.Param("id"), o); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleProgress(c echo.Context) error {
	var req ProgressRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.Progress(c.Request().Context(), c.Param("id"), c.Param("exec"), req.Progress); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleComplete(c echo.Context) error {
	var req FinishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.Complete(c.Request().Context(), c.Param("id"), c.Param("exec"), req.Note); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFail(c echo.Context) error {
	var req FinishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.Fail(c.Request().Context(), c.Param("id"), c.Param("exec"), req.Note); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDecisionHistory(c echo.Context) error {
	if s.history == nil {
		return httpError(archive.ErrNotConfigured)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	out, err := s.history.Decisions(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleExecutionHistory(c echo.Context) error {
	if s.history == nil {
		return httpError(archive.ErrNotConfigured)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	var status execution.Status
	if v := c.QueryParam("status"); v != "" {
		if status, err = execution.ParseStatus(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	out, err := s.history.Executions(c.Request().Context(), c.Param("id"), status, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func queryLimit(c echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}
