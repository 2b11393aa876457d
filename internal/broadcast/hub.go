// Package broadcast fans published transcript events out to any number of
// presentation subscribers.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// SUBSCRIBER_BUFFER is the per-subscriber queue; a subscriber that falls
// further behind loses events.
const SUBSCRIBER_BUFFER = 64

// ring keeps the most recent events for late subscribers.
type ring struct {
	size   int
	buffer []transcript.Envelope
	index  int
}

func newRing(size int) *ring {
	return &ring{size: size, buffer: make([]transcript.Envelope, size)}
}

func (r *ring) add(ev transcript.Envelope) {
	if r.size == 0 {
		return
	}
	r.buffer[r.index%r.size] = ev
	r.index++
}

func (r *ring) replay() []transcript.Envelope {
	start := r.index - r.size
	if start < 0 {
		start = 0
	}
	out := make([]transcript.Envelope, 0, r.index-start)
	for i := start; i < r.index; i++ {
		out = append(out, r.buffer[i%r.size])
	}
	return out
}

// Subscriber receives events on C until its context ends or it unsubscribes.
type Subscriber struct {
	ID      string
	C       chan transcript.Envelope
	dropped int
}

// Hub implements transcript.Publisher.
type Hub struct {
	log *zap.SugaredLogger

	mu   sync.RWMutex
	ring *ring
	subs map[*Subscriber]struct{}
}

// NewHub creates a Hub that replays the last replaySize events to new subscribers.
func NewHub(replaySize int, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		log:  logger.With("component", "broadcast"),
		ring: newRing(replaySize),
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes
// C; it also runs when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) (*Subscriber, func()) {
	sub := &Subscriber{ID: uuid.NewString(), C: make(chan transcript.Envelope, SUBSCRIBER_BUFFER)}

	h.mu.Lock()
	for _, ev := range h.ring.replay() {
		select {
		case sub.C <- ev:
		default:
		}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	unsub := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.C)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-done:
		}
	}()
	h.log.Debugw("subscriber added", "subscriber", sub.ID)
	return sub, unsub
}

// Publish records ev and delivers it without blocking.
func (h *Hub) Publish(ev transcript.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.add(ev)
	for sub := range h.subs {
		select {
		case sub.C <- ev:
		default:
			sub.dropped++
			h.log.Warnw("subscriber queue full, dropping event", "subscriber", sub.ID, "type", ev.Type, "dropped", sub.dropped)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
