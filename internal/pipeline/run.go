// Package pipeline wires fan-out, per-language sessions, segmentation,
// arbitration and clause splitting into a single transcription run.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/polyscribe/internal/arbiter"
	"github.com/chadiek/polyscribe/internal/clause"
	"github.com/chadiek/polyscribe/internal/fanout"
	"github.com/chadiek/polyscribe/internal/segment"
	"github.com/chadiek/polyscribe/internal/supervisor"
	"github.com/chadiek/polyscribe/internal/telemetry"
	"github.com/chadiek/polyscribe/internal/transcript"
)

// Run owns every piece of per-run state. Nothing outlives Stop.
type Run struct {
	id        string
	languages []string
	started   time.Time
	pub       transcript.Publisher
	stats     *telemetry.Recorder
	log       *zap.SugaredLogger

	cancel context.CancelFunc
	fanout *fanout.Fanout
	sups   map[string]*supervisor.Supervisor
	segs   map[string]*segment.Segmenter
	arb    *arbiter.Arbiter
	split  *clause.Splitter

	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
}

// Start validates cfg, opens one session per language and returns the run.
// Run-level failures are returned before any session is opened; a language
// that cannot connect is handled by its supervisor and never fails the run.
func Start(ctx context.Context, backend transcript.Backend, cfg Config, pub transcript.Publisher, stats *telemetry.Recorder, logger *zap.SugaredLogger) (*Run, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	languages := transcript.ResolveLanguages(cfg.Languages, cfg.Language, cfg.LanguageMap)
	if len(languages) == 0 {
		return nil, ErrNoLanguages
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if pub == nil {
		pub = transcript.PublisherFunc(func(transcript.Envelope) {})
	}

	id := uuid.NewString()
	r := &Run{
		id:        id,
		languages: languages,
		started:   time.Now(),
		pub:       pub,
		stats:     stats,
		log:       logger.With("component", "pipeline", "run", id),
		fanout:    fanout.New(),
		sups:      make(map[string]*supervisor.Supervisor, len(languages)),
		segs:      make(map[string]*segment.Segmenter, len(languages)),
		running:   true,
	}
	r.arb = arbiter.New(cfg.Sentence, cfg.Interim, r.onRound, r.log)
	r.split = clause.New(cfg.MinClauseLength, r.onClause)
	for _, lang := range languages {
		r.segs[lang] = segment.New(lang, segmentSink{r})
		sup := supervisor.New(lang, backend, cfg.Recognition, cfg.Reconnect, r, r.log)
		r.sups[lang] = sup
		r.fanout.Add(lang, sup)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	stats.RunStarted()
	r.log.Infow("starting parallel streams", "languages", languages)
	r.publish(transcript.EventRunStarted, map[string]any{"languages": languages})

	var g errgroup.Group
	for _, lang := range languages {
		sup := r.sups[lang]
		g.Go(func() error {
			sup.Start(runCtx)
			return nil
		})
	}
	_ = g.Wait()
	return r, nil
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Languages returns the resolved language list.
func (r *Run) Languages() []string { return append([]string(nil), r.languages...) }

func (r *Run) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Write fans a PCM chunk out to every open session. It never blocks on a session.
func (r *Run) Write(p []byte) (int, error) {
	if !r.isRunning() {
		return 0, ErrStopped
	}
	r.stats.Audio(len(p))
	return r.fanout.Write(p)
}

// EndUtterance flushes buffered sentences as if the backend had reported an
// utterance end. An empty language flushes every session.
func (r *Run) EndUtterance(language string) error {
	if !r.isRunning() {
		return ErrStopped
	}
	if language == "" {
		for _, lang := range r.languages {
			r.segs[lang].Flush()
		}
		return nil
	}
	seg, ok := r.segs[language]
	if !ok {
		return ErrUnknownLanguage
	}
	seg.Flush()
	return nil
}

// Status returns a snapshot of the run.
func (r *Run) Status() RunStatus {
	st := RunStatus{
		ID:        r.id,
		Languages: r.Languages(),
		Started:   r.started,
		Running:   r.isRunning(),
		Dominant:  r.arb.Dominant(),
		Clauses:   r.split.Sequence(),
	}
	for _, lang := range r.languages {
		sup := r.sups[lang]
		st.Sessions = append(st.Sessions, SessionStatus{Language: sup.Language(), State: sup.State(), Failures: sup.Failures()})
	}
	return st
}

// Stop cancels every timer, closes every session and clears pending state.
// It is idempotent.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()

		r.arb.Stop()
		r.cancel()
		var g errgroup.Group
		for _, sup := range r.sups {
			sup := sup
			g.Go(func() error {
				sup.Stop()
				return nil
			})
		}
		_ = g.Wait()
		for _, seg := range r.segs {
			seg.Reset()
		}
		r.split.Reset()

		r.log.Infow("run stopped", "duration", time.Since(r.started))
		r.pub.Publish(transcript.Envelope{Type: transcript.EventRunStopped, RunID: r.id, At: time.Now()})
	})
}

func (r *Run) publish(typ transcript.EventType, data any) {
	if !r.isRunning() {
		return
	}
	r.pub.Publish(transcript.Envelope{Type: typ, RunID: r.id, At: time.Now(), Data: data})
}

// OnEvent implements supervisor.Sink.
func (r *Run) OnEvent(language string, ev transcript.Event) {
	if !r.isRunning() {
		return
	}
	if seg, ok := r.segs[language]; ok {
		seg.Handle(ev)
	}
}

// OnUtteranceEnd implements supervisor.Sink.
func (r *Run) OnUtteranceEnd(language string) {
	if !r.isRunning() {
		return
	}
	if seg, ok := r.segs[language]; ok {
		seg.Flush()
	}
}

// OnStatus implements supervisor.Sink.
func (r *Run) OnStatus(st supervisor.Status) {
	switch st.State {
	case supervisor.StateFaulted:
		r.stats.Reconnect()
	case supervisor.StateDown:
		r.stats.GiveUp(st.Permanent)
		r.fanout.Remove(st.Language)
		r.log.Errorw("language down", "language", st.Language, "permanent", st.Permanent, "error", st.Error)
		r.publish(transcript.EventLanguageDown, st)
		return
	}
	r.publish(transcript.EventSessionStatus, st)
}

func (r *Run) onRound(res arbiter.Result) {
	if !r.isRunning() {
		return
	}
	switch res.Outcome {
	case arbiter.OutcomeSuppressed:
		r.stats.Suppressed()
		return
	case arbiter.OutcomeBuffered:
		r.stats.Buffered()
		return
	case arbiter.OutcomeEmpty:
		return
	}

	d := res.Decision
	r.stats.Decision(d.IsFinal, d.SwitchedFrom != "")
	if d.SwitchedFrom != "" {
		r.log.Infow("language switch", "from", d.SwitchedFrom, "to", d.Language, "score", d.Confidence)
	}
	if res.Kind == arbiter.Sentence {
		r.log.Infow("transcript decided", "language", d.Language, "score", d.Confidence, "candidates", res.Candidates)
		r.publish(transcript.EventDecided, d)
		r.split.Final(d.Language, d.Text)
		return
	}
	r.publish(transcript.EventInterim, d)
	r.split.Interim(d.Language, d.Text)
}

func (r *Run) onClause(c transcript.Clause) {
	r.stats.Clause()
	r.publish(transcript.EventClause, c)
}

// segmentSink routes segmenter output to the arbiter tracks.
type segmentSink struct{ r *Run }

func (s segmentSink) Commit(c transcript.Candidate)  { s.r.arb.SubmitSentence(c) }
func (s segmentSink) Interim(c transcript.Candidate) { s.r.arb.SubmitInterim(c) }
