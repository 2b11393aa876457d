package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chadiek/polyscribe/internal/telemetry"
	"github.com/chadiek/polyscribe/internal/transcript"
)

// BackendFactory builds the recognition backend for a new run. It is where
// missing credentials surface.
type BackendFactory func() (transcript.Backend, error)

// StartRequest overrides the default run configuration.
type StartRequest struct {
	Languages []string `json:"languages,omitempty"`
	Language  string   `json:"language,omitempty"`
	Model     string   `json:"model,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// Manager keeps at most one run alive and routes audio to it.
type Manager struct {
	defaults   Config
	newBackend BackendFactory
	pub        transcript.Publisher
	stats      *telemetry.Recorder
	log        *zap.SugaredLogger

	startMu sync.Mutex
	mu      sync.RWMutex
	current *Run
}

// NewManager creates a Manager.
func NewManager(defaults Config, newBackend BackendFactory, pub transcript.Publisher, stats *telemetry.Recorder, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{defaults: defaults, newBackend: newBackend, pub: pub, stats: stats, log: logger}
}

// configFor applies req on top of the defaults.
func (m *Manager) configFor(req StartRequest) Config {
	cfg := m.defaults
	if len(req.Languages) > 0 || req.Language != "" {
		cfg.Languages = req.Languages
		cfg.Language = req.Language
	}
	if req.Model != "" {
		cfg.Recognition.Model = req.Model
	}
	if len(req.Keywords) > 0 {
		cfg.Recognition.Keywords = req.Keywords
	}
	return cfg
}

// Start stops the current run, if any, and starts a new one.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Run, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	cfg := m.configFor(req)
	if len(transcript.ResolveLanguages(cfg.Languages, cfg.Language, cfg.LanguageMap)) == 0 {
		return nil, ErrNoLanguages
	}
	if m.newBackend == nil {
		return nil, ErrNoBackend
	}
	backend, err := m.newBackend()
	if err != nil {
		return nil, err
	}

	m.Stop()
	run, err := Start(ctx, backend, cfg, m.pub, m.stats, m.log)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = run
	m.mu.Unlock()
	return run, nil
}

// Current returns the active run or nil.
func (m *Manager) Current() *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Stop stops the active run. It reports whether a run was stopped.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	run := m.current
	m.current = nil
	m.mu.Unlock()
	if run == nil {
		return false
	}
	run.Stop()
	return true
}

// Write routes audio to the active run.
func (m *Manager) Write(p []byte) (int, error) {
	run := m.Current()
	if run == nil {
		return 0, ErrNoRun
	}
	return run.Write(p)
}
