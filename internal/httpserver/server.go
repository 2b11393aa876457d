package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	api "github.com/chadiek/polyscribe/api/http"
	"github.com/chadiek/polyscribe/internal/broadcast"
	"github.com/chadiek/polyscribe/internal/config"
	"github.com/chadiek/polyscribe/internal/middleware"
	"github.com/chadiek/polyscribe/internal/pipeline"
	"github.com/chadiek/polyscribe/internal/telemetry"
)

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Runs  *pipeline.Manager
	Hub   *broadcast.Hub
	Stats *telemetry.Recorder
	Log   *zap.SugaredLogger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Log
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "http")

	e := NewRouter(logger)
	e.Use(middleware.TokenAuth(cfg.AuthPassword, "/healthz"))

	api.NewHandlers(deps.Runs, deps.Stats, logger).Register(e)

	ws := wsHandlers{runs: deps.Runs, hub: deps.Hub, log: logger}
	e.GET("/v1/audio", ws.audio)
	e.GET("/v1/events", ws.events)

	return &Server{Router: e}
}
