package arbiter

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// Params tunes one arbitration track.
type Params struct {
	// Debounce is how long a round stays open for other languages after the latest candidate.
	Debounce time.Duration
	// Floor is the score a non-dominant winner needs to take over.
	Floor float64
	// SilenceReset clears the dominant language when no round was won for this long.
	SilenceReset time.Duration
	// Bias is added to the dominant language's score.
	Bias float64
	// LengthWeight and LengthCap score candidates that carry no confidence.
	LengthWeight float64
	LengthCap    float64
	// MinWords holds back winners with fewer words. Zero disables it.
	MinWords int
}

// SentenceParams are the defaults for committed sentences.
func SentenceParams() Params {
	return Params{
		Debounce:     200 * time.Millisecond,
		Floor:        0.5,
		SilenceReset: 3 * time.Second,
		Bias:         0.3,
		LengthWeight: 0.002,
		LengthCap:    0.15,
	}
}

// InterimParams are the defaults for interim text; threshold is the
// user-configured confidence needed to switch languages.
func InterimParams(threshold float64, minWords int) Params {
	return Params{
		Debounce:     150 * time.Millisecond,
		Floor:        threshold,
		SilenceReset: 3 * time.Second,
		Bias:         0.3,
		LengthWeight: 0.001,
		LengthCap:    0.1,
		MinWords:     minWords,
	}
}

// Outcome is what a round did.
type Outcome int

const (
	OutcomeEmpty Outcome = iota
	OutcomeCommitted
	// OutcomeSuppressed means a non-dominant winner scored below the floor.
	OutcomeSuppressed
	// OutcomeBuffered means the winner had fewer words than MinWords.
	OutcomeBuffered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeBuffered:
		return "buffered"
	default:
		return "empty"
	}
}

// State is the dominant-language memory shared by every track of a run.
type State struct {
	Dominant string
	LastWin  time.Time
}

// lengthScore stands in for a missing confidence. It stays strictly below
// the lowest real confidence in the round so a scored candidate always beats it.
func lengthScore(text string, p Params, lowestReal float64) float64 {
	s := float64(utf8.RuneCountInString(text)) * p.LengthWeight
	if s > p.LengthCap {
		s = p.LengthCap
	}
	if lowestReal > 0 && s >= lowestReal {
		s = lowestReal / 2
	}
	return s
}

// Scores returns the score of every candidate against the current dominant language.
func (st *State) Scores(cands []transcript.Candidate, p Params) []float64 {
	lowestReal := 0.0
	for _, c := range cands {
		if c.Confidence > 0 && (lowestReal == 0 || c.Confidence < lowestReal) {
			lowestReal = c.Confidence
		}
	}
	scores := make([]float64, len(cands))
	for i, c := range cands {
		score := c.Confidence
		if score <= 0 {
			score = lengthScore(c.Text, p, lowestReal)
		}
		if st.Dominant != "" && c.Language == st.Dominant {
			score += p.Bias
		}
		scores[i] = score
	}
	return scores
}

// Decide runs one round over cands, listed in first-seen order, and updates
// the dominant language when a winner is committed.
func (st *State) Decide(cands []transcript.Candidate, p Params, now time.Time, final bool) (transcript.Decision, Outcome) {
	if len(cands) == 0 {
		return transcript.Decision{}, OutcomeEmpty
	}
	if st.Dominant != "" && now.Sub(st.LastWin) > p.SilenceReset {
		st.Dominant = ""
	}

	scores := st.Scores(cands, p)
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	winner, score := cands[best], scores[best]

	if st.Dominant != "" && winner.Language != st.Dominant && score < p.Floor {
		return transcript.Decision{}, OutcomeSuppressed
	}
	if p.MinWords > 0 && len(strings.Fields(winner.Text)) < p.MinWords {
		return transcript.Decision{}, OutcomeBuffered
	}

	d := transcript.Decision{
		Text:       winner.Text,
		IsFinal:    final,
		Confidence: score,
		Language:   winner.Language,
	}
	if st.Dominant != "" && st.Dominant != winner.Language {
		d.SwitchedFrom = st.Dominant
	}
	st.Dominant = winner.Language
	st.LastWin = now
	return d, OutcomeCommitted
}
