// Package clause cuts the winning interim text into punctuation-delimited
// clauses as the utterance grows.
package clause

import (
	"strings"
	"sync"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// MIN_CLAUSE_LENGTH is the default minimum clause length in characters.
const MIN_CLAUSE_LENGTH = 5

// punctuation ends a clause.
const punctuation = ".!?…;,"

// Splitter tracks how much of the current utterance has already been emitted.
type Splitter struct {
	minLen int
	emit   func(transcript.Clause)

	mu       sync.Mutex
	language string
	cursor   int
	seq      uint64
}

// New creates a Splitter. minLen <= 0 uses MIN_CLAUSE_LENGTH.
func New(minLen int, emit func(transcript.Clause)) *Splitter {
	if minLen <= 0 {
		minLen = MIN_CLAUSE_LENGTH
	}
	return &Splitter{minLen: minLen, emit: emit}
}

// Interim processes the latest interim text of the winning language and emits
// the clause ending at the last punctuation mark past the cursor.
func (s *Splitter) Interim(language, text string) {
	s.mu.Lock()
	s.switchLanguageLocked(language)
	runes := []rune(text)
	if s.cursor > len(runes) {
		s.cursor = len(runes)
	}
	end := -1
	for i := len(runes) - 1; i >= s.cursor; i-- {
		if strings.ContainsRune(punctuation, runes[i]) {
			end = i
			break
		}
	}
	if end < 0 {
		s.mu.Unlock()
		return
	}
	piece := strings.TrimSpace(string(runes[s.cursor : end+1]))
	if len([]rune(piece)) < s.minLen {
		s.mu.Unlock()
		return
	}
	s.cursor = end + 1
	s.seq++
	c := transcript.Clause{Text: piece, Language: language, Sequence: s.seq}
	s.mu.Unlock()

	s.emit(c)
}

// Final emits whatever follows the cursor in the committed text and resets
// the cursor for the next utterance.
func (s *Splitter) Final(language, text string) {
	s.mu.Lock()
	s.switchLanguageLocked(language)
	runes := []rune(text)
	cursor := s.cursor
	if cursor > len(runes) {
		cursor = len(runes)
	}
	s.cursor = 0
	piece := strings.TrimSpace(string(runes[cursor:]))
	if piece == "" {
		s.mu.Unlock()
		return
	}
	s.seq++
	c := transcript.Clause{Text: piece, Language: language, Sequence: s.seq}
	s.mu.Unlock()

	s.emit(c)
}

// Reset clears the cursor and language. The sequence keeps counting.
func (s *Splitter) Reset() {
	s.mu.Lock()
	s.cursor = 0
	s.language = ""
	s.mu.Unlock()
}

// Sequence returns the last sequence number handed out.
func (s *Splitter) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Splitter) switchLanguageLocked(language string) {
	if language != s.language {
		s.language = language
		s.cursor = 0
	}
}
