package pipeline

import (
	"errors"
	"time"

	"github.com/chadiek/polyscribe/internal/arbiter"
	"github.com/chadiek/polyscribe/internal/supervisor"
	"github.com/chadiek/polyscribe/internal/transcript"
)

var (
	// ErrNoLanguages is returned when no language survives resolution.
	ErrNoLanguages = errors.New("pipeline: no languages configured")
	// ErrNoBackend is returned when Start is called without a backend.
	ErrNoBackend = errors.New("pipeline: no recognition backend")
	// ErrStopped is returned for audio written to a stopped run.
	ErrStopped = errors.New("pipeline: run stopped")
	// ErrNoRun is returned by the Manager when nothing is running.
	ErrNoRun = errors.New("pipeline: no active run")
	// ErrUnknownLanguage is returned for a language the run does not transcribe.
	ErrUnknownLanguage = errors.New("pipeline: unknown language")
)

// Config describes one run.
type Config struct {
	// Languages is the requested list; Language is used when it is empty.
	// Both go through LanguageMap and are deduplicated.
	Languages   []string
	Language    string
	LanguageMap map[string]string

	Recognition     transcript.Options
	Reconnect       supervisor.Policy
	Sentence        arbiter.Params
	Interim         arbiter.Params
	MinClauseLength int
}

// SessionStatus is the externally visible state of one language session.
type SessionStatus struct {
	Language string           `json:"language"`
	State    supervisor.State `json:"state"`
	Failures int              `json:"failures"`
}

// RunStatus is a snapshot of a run.
type RunStatus struct {
	ID        string    `json:"runId"`
	Languages []string  `json:"languages"`
	Started   time.Time `json:"started"`
	Running   bool      `json:"running"`
	Dominant  string    `json:"dominant,omitempty"`
	// Clauses is the last clause sequence number handed out.
	Clauses  uint64          `json:"clauses"`
	Sessions []SessionStatus `json:"sessions"`
}
