package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chadiek/polyscribe/internal/broadcast"
	"github.com/chadiek/polyscribe/internal/config"
	httpserver "github.com/chadiek/polyscribe/internal/httpserver"
	"github.com/chadiek/polyscribe/internal/pipeline"
	"github.com/chadiek/polyscribe/internal/telemetry"
	"github.com/chadiek/polyscribe/internal/transcript"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	// Include sub-second precision in all log timestamps
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	base, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = base.Sync() }()
	logger := base.Sugar()
	for _, w := range cfg.Warnings() {
		logger.Warnw("config", "warning", w)
	}

	hub := broadcast.NewHub(cfg.EventReplay, logger)
	stats := telemetry.NewRecorder()
	newBackend := func() (transcript.Backend, error) {
		svc, err := transcript.NewDeepgramService(cfg.DeepgramKey,
			transcript.WithListenURL(cfg.DeepgramURL),
			transcript.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
	runs := pipeline.NewManager(pipeline.Config{
		Languages:       cfg.Languages,
		Language:        cfg.Language,
		LanguageMap:     transcript.DeepgramLanguages,
		Recognition:     cfg.Recognition,
		Reconnect:       cfg.Reconnect,
		Sentence:        cfg.Sentence,
		Interim:         cfg.Interim,
		MinClauseLength: cfg.MinClauseLength,
	}, newBackend, hub, stats, logger)

	srv := httpserver.New(cfg, httpserver.Deps{Runs: runs, Hub: hub, Stats: stats, Log: logger})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("server listening", "addr", cfg.HTTPAddress, "languages", cfg.Languages)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Infow("shutdown signal received", "signal", sig.String())
	}

	runs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}
