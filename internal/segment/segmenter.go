// Package segment turns raw recognition events into sentence candidates.
package segment

import (
	"strings"
	"sync"
	"time"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// Sink receives candidates produced by a Segmenter.
type Sink interface {
	// Commit receives a completed sentence.
	Commit(c transcript.Candidate)
	// Interim receives the utterance text seen so far, including unfinished words.
	Interim(c transcript.Candidate)
}

// Segmenter accumulates final fragments for one language until an utterance
// boundary, then commits them as a single sentence.
type Segmenter struct {
	language string
	sink     Sink
	now      func() time.Time

	mu             sync.Mutex
	fragments      []string
	lastConfidence float64
}

// New creates a Segmenter for language.
func New(language string, sink Sink) *Segmenter {
	return &Segmenter{language: language, sink: sink, now: time.Now}
}

// Handle processes one event in delivery order.
func (s *Segmenter) Handle(ev transcript.Event) {
	text := strings.TrimSpace(ev.Text)

	s.mu.Lock()
	if !ev.IsFinal {
		interim := s.joinLocked(text)
		conf := ev.Confidence
		s.mu.Unlock()
		s.interim(interim, conf)
		return
	}
	if text != "" {
		s.fragments = append(s.fragments, text)
		s.lastConfidence = ev.Confidence
	}
	var commit transcript.Candidate
	flushed := false
	if ev.IsUtteranceBoundary {
		commit, flushed = s.flushLocked()
	}
	interim := s.joinLocked("")
	conf := s.lastConfidence
	s.mu.Unlock()

	if flushed {
		s.sink.Commit(commit)
		return
	}
	if text != "" {
		s.interim(interim, conf)
	}
}

// Flush commits whatever is buffered. It is the out-of-band end-of-utterance
// path; an empty buffer is a no-op.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	c, ok := s.flushLocked()
	s.mu.Unlock()
	if ok {
		s.sink.Commit(c)
	}
}

// Reset drops buffered fragments without committing them.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	s.fragments = nil
	s.lastConfidence = 0
	s.mu.Unlock()
}

// Buffered returns the number of fragments waiting for a boundary.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments)
}

func (s *Segmenter) flushLocked() (transcript.Candidate, bool) {
	if len(s.fragments) == 0 {
		return transcript.Candidate{}, false
	}
	c := transcript.Candidate{
		Language:   s.language,
		Text:       strings.Join(s.fragments, " "),
		Confidence: s.lastConfidence,
		At:         s.now(),
	}
	s.fragments = nil
	s.lastConfidence = 0
	return c, true
}

// joinLocked returns the buffered fragments followed by tail.
func (s *Segmenter) joinLocked(tail string) string {
	parts := s.fragments
	if tail != "" {
		parts = append(parts[:len(parts):len(parts)], tail)
	}
	return strings.Join(parts, " ")
}

func (s *Segmenter) interim(text string, confidence float64) {
	if text == "" {
		return
	}
	s.sink.Interim(transcript.Candidate{Language: s.language, Text: text, Confidence: confidence, At: s.now()})
}
