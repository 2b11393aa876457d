// Package supervisor keeps one streaming recognition session per language alive.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/polyscribe/internal/transcript"
)

// State is the lifecycle position of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateFaulted    State = "faulted"
	// StateDown means the session gave up or hit a permanent fault.
	StateDown    State = "down"
	StateStopped State = "stopped"
)

// Status describes a session transition.
type Status struct {
	Language string        `json:"language"`
	State    State         `json:"state"`
	Failures int           `json:"failures"`
	Retry    time.Duration `json:"retryMs,omitempty"`
	// Permanent is set when the backend rejected the session configuration.
	Permanent bool   `json:"permanent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Sink receives everything a supervised session produces. Events for one
// language arrive in backend delivery order.
type Sink interface {
	OnEvent(language string, ev transcript.Event)
	OnUtteranceEnd(language string)
	OnStatus(st Status)
}

// Supervisor owns the connection for one language and restarts it on faults.
type Supervisor struct {
	language string
	backend  transcript.Backend
	opts     transcript.Options
	policy   Policy
	sink     Sink
	log      *zap.SugaredLogger

	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	running          bool
	gen              uint64
	state            State
	conn             transcript.Conn
	failures         int
	restartScheduled bool
	reconnectTimer   *time.Timer
	keepAliveStop    chan struct{}
}

// New constructs a Supervisor. Nothing is opened until Start.
func New(language string, backend transcript.Backend, opts transcript.Options, policy Policy, sink Sink, logger *zap.SugaredLogger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Supervisor{
		language: language,
		backend:  backend,
		opts:     opts,
		policy:   policy,
		sink:     sink,
		log:      logger.With("component", "supervisor", "language", language),
		state:    StateStopped,
	}
}

// Language returns the supervised language code.
func (s *Supervisor) Language() string { return s.language }

// Start opens the session. Open failures go through the restart policy, so
// Start itself never fails.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.failures = 0
	s.restartScheduled = false
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.notify(Status{Language: s.language, State: StateConnecting})
	s.connect(gen)
}

// Feed forwards a PCM chunk when the session is open and drops it otherwise.
func (s *Supervisor) Feed(pcm []byte) {
	s.mu.Lock()
	conn := s.conn
	open := s.running && s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return
	}
	if err := conn.Send(pcm); err != nil {
		s.log.Debugw("audio chunk dropped", "error", err)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the consecutive failure count.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Stop cancels all timers and closes the connection. It is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	s.state = StateClosing
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.notify(Status{Language: s.language, State: StateStopped})
}

// current reports whether gen still identifies the live connection attempt.
func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && gen == s.gen
}

func (s *Supervisor) connect(gen uint64) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.backend.Open(ctx, s.language, s.opts, &connCallback{s: s, gen: gen})

	s.mu.Lock()
	if !s.running || gen != s.gen || s.restartScheduled {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fault(gen, err)
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.failures = 0
	s.startKeepAliveLocked(gen, conn)
	s.mu.Unlock()

	s.log.Infow("session open")
	s.notify(Status{Language: s.language, State: StateOpen})
}

// fault applies the restart policy. A second notification for the same
// fault (error followed by close) is a no-op.
func (s *Supervisor) fault(gen uint64, err error) {
	s.mu.Lock()
	if !s.running || gen != s.gen || s.restartScheduled {
		s.mu.Unlock()
		return
	}

	if transcript.IsPermanent(err) {
		s.gen++
		s.state = StateDown
		s.stopTimersLocked()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Errorw("session rejected by backend, not retrying", "error", err)
		s.notify(Status{Language: s.language, State: StateDown, Permanent: true, Error: err.Error()})
		return
	}

	s.restartScheduled = true
	s.failures++
	failures := s.failures
	s.state = StateFaulted
	s.stopKeepAliveLocked()

	if failures > s.policy.MaxFailures {
		s.gen++
		s.state = StateDown
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Errorw("session gave up after consecutive failures", "failures", failures, "error", err)
		s.notify(Status{Language: s.language, State: StateDown, Failures: failures, Error: err.Error()})
		return
	}

	delay := s.policy.Backoff(failures)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.restart(gen) })
	s.mu.Unlock()

	s.log.Warnw("session fault, reconnecting", "failures", failures, "delay", delay, "error", err)
	s.notify(Status{Language: s.language, State: StateFaulted, Failures: failures, Retry: delay, Error: err.Error()})
}

// restart closes the faulted connection and opens a new one.
func (s *Supervisor) restart(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	old := s.conn
	s.conn = nil
	s.reconnectTimer = nil
	s.restartScheduled = false
	s.gen++
	next := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.notify(Status{Language: s.language, State: StateConnecting, Failures: s.Failures()})
	s.connect(next)
}

func (s *Supervisor) startKeepAliveLocked(gen uint64, conn transcript.Conn) {
	s.stopKeepAliveLocked()
	if s.policy.KeepAlive <= 0 {
		return
	}
	stop := make(chan struct{})
	s.keepAliveStop = stop
	interval := s.policy.KeepAlive
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.current(gen) {
					return
				}
				if err := conn.KeepAlive(); err != nil {
					s.log.Debugw("keep-alive failed", "error", err)
				}
			}
		}
	}()
}

func (s *Supervisor) stopKeepAliveLocked() {
	if s.keepAliveStop != nil {
		close(s.keepAliveStop)
		s.keepAliveStop = nil
	}
}

func (s *Supervisor) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopKeepAliveLocked()
}

func (s *Supervisor) notify(st Status) {
	if s.sink != nil {
		s.sink.OnStatus(st)
	}
}

// connCallback tags backend callbacks with the connection generation so
// callbacks from a replaced connection are ignored.
type connCallback struct {
	s   *Supervisor
	gen uint64
}

func (c *connCallback) OnEvent(ev transcript.Event) {
	if c.s.current(c.gen) && c.s.sink != nil {
		c.s.sink.OnEvent(c.s.language, ev)
	}
}

func (c *connCallback) OnUtteranceEnd() {
	if c.s.current(c.gen) && c.s.sink != nil {
		c.s.sink.OnUtteranceEnd(c.s.language)
	}
}

func (c *connCallback) OnError(err error) { c.s.fault(c.gen, err) }

func (c *connCallback) OnClose() { c.s.fault(c.gen, transcript.ErrClosed) }
