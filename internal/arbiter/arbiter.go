// Package arbiter picks one language per utterance out of parallel
// recognition streams.
package arbiter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// Kind selects an arbitration track.
type Kind int

const (
	Sentence Kind = iota
	Interim
)

func (k Kind) String() string {
	if k == Interim {
		return "interim"
	}
	return "sentence"
}

// Result reports one finished round.
type Result struct {
	Kind       Kind
	Outcome    Outcome
	Decision   transcript.Decision
	Candidates int
}

type track struct {
	params  Params
	pending []transcript.Candidate
	timer   *time.Timer
	gen     uint64
}

// Arbiter runs the sentence and interim tracks. Each track debounces its own
// candidates; both read and update the same dominant-language state.
type Arbiter struct {
	report func(Result)
	log    *zap.SugaredLogger
	now    func() time.Time

	// emitMu keeps results in decision order.
	emitMu  sync.Mutex
	mu      sync.Mutex
	state   State
	tracks  [2]*track
	stopped bool
}

// New creates an Arbiter. report is called for every round, committed or not.
func New(sentence, interim Params, report func(Result), logger *zap.SugaredLogger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Arbiter{
		report: report,
		log:    logger.With("component", "arbiter"),
		now:    time.Now,
		tracks: [2]*track{{params: sentence}, {params: interim}},
	}
}

// SubmitSentence adds a committed sentence to the open sentence round.
func (a *Arbiter) SubmitSentence(c transcript.Candidate) { a.submit(Sentence, c) }

// SubmitInterim adds interim text to the open interim round.
func (a *Arbiter) SubmitInterim(c transcript.Candidate) { a.submit(Interim, c) }

// submit stores c as its language's candidate and restarts the track's debounce timer.
func (a *Arbiter) submit(kind Kind, c transcript.Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	tr := a.tracks[kind]
	replaced := false
	for i := range tr.pending {
		if tr.pending[i].Language == c.Language {
			tr.pending[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		tr.pending = append(tr.pending, c)
	}
	tr.gen++
	gen := tr.gen
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.timer = time.AfterFunc(tr.params.Debounce, func() { a.fire(kind, gen) })
}

func (a *Arbiter) fire(kind Kind, gen uint64) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	tr := a.tracks[kind]
	if a.stopped || tr.gen != gen {
		a.mu.Unlock()
		return
	}
	cands := tr.pending
	tr.pending = nil
	tr.timer = nil
	d, out := a.state.Decide(cands, tr.params, a.now(), kind == Sentence)
	if out == OutcomeCommitted && kind == Sentence {
		// the utterance is closed; a late interim round would reopen it
		a.resetTrackLocked(a.tracks[Interim])
	}
	dominant := a.state.Dominant
	a.mu.Unlock()

	switch out {
	case OutcomeCommitted:
		a.log.Debugw("round committed", "track", kind.String(), "language", d.Language,
			"score", d.Confidence, "candidates", len(cands), "switchedFrom", d.SwitchedFrom)
	case OutcomeSuppressed:
		a.log.Debugw("round suppressed", "track", kind.String(), "dominant", dominant, "candidates", len(cands))
	}
	if a.report != nil {
		a.report(Result{Kind: kind, Outcome: out, Decision: d, Candidates: len(cands)})
	}
}

func (a *Arbiter) resetTrackLocked(tr *track) {
	tr.gen++
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	tr.pending = nil
}

// Dominant returns the current dominant language, or "".
func (a *Arbiter) Dominant() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Dominant
}

// Pending returns the number of candidates waiting in a track.
func (a *Arbiter) Pending(kind Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tracks[kind].pending)
}

// Stop cancels both debounce timers and clears all state. Later submissions are ignored.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, tr := range a.tracks {
		a.resetTrackLocked(tr)
	}
	a.state = State{}
}
