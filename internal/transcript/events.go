package transcript

import "time"

// EventType names what a published event carries.
type EventType string

const (
	EventDecided       EventType = "transcript-decided"
	EventInterim       EventType = "transcript-interim"
	EventClause        EventType = "clause"
	EventSessionStatus EventType = "session-status"
	EventLanguageDown  EventType = "language-down"
	EventRunStarted    EventType = "run-started"
	EventRunStopped    EventType = "run-stopped"
)

// Envelope is what presentation subscribers receive.
type Envelope struct {
	Type  EventType `json:"type"`
	RunID string    `json:"runId"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

// Publisher delivers envelopes to the presentation layer. Publish must not block.
type Publisher interface {
	Publish(ev Envelope)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Envelope)

func (f PublisherFunc) Publish(ev Envelope) { f(ev) }
