package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/polyscribe/internal/pipeline"
	"github.com/chadiek/polyscribe/internal/telemetry"
	"github.com/chadiek/polyscribe/internal/transcript"
)

type Handlers struct {
	Runs  *pipeline.Manager
	Stats *telemetry.Recorder
	Log   *zap.SugaredLogger
}

func NewHandlers(runs *pipeline.Manager, stats *telemetry.Recorder, logger *zap.SugaredLogger) Handlers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return Handlers{Runs: runs, Stats: stats, Log: logger}
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/v1/runs", h.startRun)
	e.GET("/v1/runs/current", h.currentRun)
	e.DELETE("/v1/runs/current", h.stopRun)
	e.POST("/v1/runs/current/utterance-end", h.endUtterance)
	e.GET("/v1/stats", h.stats)
}

type startResponse struct {
	RunID     string   `json:"runId"`
	Languages []string `json:"languages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h Handlers) startRun(c echo.Context) error {
	var req pipeline.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	run, err := h.Runs.Start(c.Request().Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrNoLanguages) || errors.Is(err, pipeline.ErrNoBackend) || errors.Is(err, transcript.ErrMissingAPIKey) {
			status = http.StatusBadRequest
		}
		h.Log.Errorw("run start failed", "error", err, "status", status)
		return c.JSON(status, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, startResponse{RunID: run.ID(), Languages: run.Languages()})
}

func (h Handlers) currentRun(c echo.Context) error {
	run := h.Runs.Current()
	if run == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: pipeline.ErrNoRun.Error()})
	}
	return c.JSON(http.StatusOK, run.Status())
}

func (h Handlers) stopRun(c echo.Context) error {
	h.Runs.Stop()
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) endUtterance(c echo.Context) error {
	run := h.Runs.Current()
	if run == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: pipeline.ErrNoRun.Error()})
	}
	if err := run.EndUtterance(c.QueryParam("language")); err != nil {
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrUnknownLanguage) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, errorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusAccepted)
}

func (h Handlers) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Stats.Snapshot())
}
