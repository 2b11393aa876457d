package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrRejected marks a permanent configuration fault: the backend refused the
// request itself (malformed options, unsupported model, bad credentials).
// Sessions failing with it are never retried.
var ErrRejected = errors.New("transcript: request rejected by backend")

// ErrClosed is reported when a backend connection ends without an explicit error.
var ErrClosed = errors.New("transcript: connection closed")

// IsPermanent reports whether err is a configuration fault that retrying cannot fix.
func IsPermanent(err error) bool { return errors.Is(err, ErrRejected) }

// Options are the recognition options sent to the backend when a session opens.
type Options struct {
	Model           string
	Punctuate       bool
	Diarize         bool
	SmartFormat     bool
	InterimResults  bool
	ProfanityFilter bool
	FillerWords     bool
	// Utterances asks for sentence-level segmentation.
	Utterances bool
	// Endpointing is the pause the backend waits for before marking an
	// utterance boundary. Zero disables endpointing.
	Endpointing time.Duration
	// UtteranceEnd enables out-of-band end-of-utterance messages when > 0.
	UtteranceEnd time.Duration
	Encoding     string
	SampleRate   int
	Channels     int
	// Keywords are boosted terms; backends drop them for models that cannot use them.
	Keywords []string
}

// DefaultOptions mirrors the backend defaults used for live captioning.
func DefaultOptions() Options {
	return Options{
		Model:          "nova-3",
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		Utterances:     true,
		Endpointing:    300 * time.Millisecond,
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
	}
}

// Event is one recognition result from a single language session.
type Event struct {
	Text       string
	Confidence float64
	// IsFinal marks text the backend will not revise.
	IsFinal bool
	// IsUtteranceBoundary marks the end of a spoken utterance (endpointing).
	IsUtteranceBoundary bool
}

// Callback receives everything a live connection reports. Calls for one
// connection are made sequentially from its read loop.
type Callback interface {
	OnEvent(ev Event)
	// OnUtteranceEnd is the out-of-band end-of-utterance signal.
	OnUtteranceEnd()
	OnError(err error)
	OnClose()
}

// Conn is a live recognition session for one language.
type Conn interface {
	// Send queues a PCM chunk. It never blocks; chunks are dropped when the queue is full.
	Send(pcm []byte) error
	KeepAlive() error
	Close() error
}

// Backend opens language-specific streaming recognition sessions.
type Backend interface {
	Open(ctx context.Context, language string, opts Options, cb Callback) (Conn, error)
}

// Candidate is a committed sentence (or interim utterance text) waiting for arbitration.
type Candidate struct {
	Language   string
	Text       string
	Confidence float64
	At         time.Time
}

// Decision is the arbitration result for one round.
type Decision struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	// SwitchedFrom is the previously dominant language when this decision changed it.
	SwitchedFrom string `json:"switchedFrom,omitempty"`
}

// Clause is a punctuation-delimited piece of the winning interim text.
type Clause struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Sequence uint64 `json:"sequence"`
}
