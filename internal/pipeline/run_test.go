package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chadiek/polyscribe/internal/arbiter"
	"github.com/chadiek/polyscribe/internal/supervisor"
	"github.com/chadiek/polyscribe/internal/telemetry"
	"github.com/chadiek/polyscribe/internal/transcript"
)

type fakeConn struct {
	mu     sync.Mutex
	chunks int
	closed bool
}

func (c *fakeConn) Send(pcm []byte) error {
	c.mu.Lock()
	c.chunks++
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) KeepAlive() error { return nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) state() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks, c.closed
}

type fakeBackend struct {
	mu     sync.Mutex
	reject map[string]bool
	opened []string
	conns  map[string]*fakeConn
	cbs    map[string]transcript.Callback
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reject: map[string]bool{}, conns: map[string]*fakeConn{}, cbs: map[string]transcript.Callback{}}
}

func (b *fakeBackend) Open(ctx context.Context, language string, opts transcript.Options, cb transcript.Callback) (transcript.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, language)
	if b.reject[language] {
		return nil, fmt.Errorf("%w: handshake status 400", transcript.ErrRejected)
	}
	c := &fakeConn{}
	b.conns[language] = c
	b.cbs[language] = cb
	return c, nil
}

func (b *fakeBackend) cb(language string) transcript.Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cbs[language]
}

func (b *fakeBackend) conn(language string) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[language]
}

func (b *fakeBackend) openedLanguages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

type eventLog struct {
	mu     sync.Mutex
	events []transcript.Envelope
}

func (l *eventLog) Publish(ev transcript.Envelope) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ transcript.EventType) []transcript.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []transcript.Envelope
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ transcript.EventType, n int) []transcript.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.ofType(typ); len(evs) >= n {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", n, typ)
	return nil
}

func testConfig(languages ...string) Config {
	sentence := arbiter.SentenceParams()
	sentence.Debounce = 15 * time.Millisecond
	interim := arbiter.InterimParams(0.85, 3)
	interim.Debounce = 10 * time.Millisecond
	return Config{
		Languages:       languages,
		LanguageMap:     transcript.DeepgramLanguages,
		Recognition:     transcript.DefaultOptions(),
		Reconnect:       supervisor.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxFailures: 3},
		Sentence:        sentence,
		Interim:         interim,
		MinClauseLength: 5,
	}
}

func startRun(t *testing.T, b *fakeBackend, cfg Config) (*Run, *eventLog, *telemetry.Recorder) {
	t.Helper()
	events := &eventLog{}
	stats := telemetry.NewRecorder()
	run, err := Start(context.Background(), b, cfg, events, stats, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(run.Stop)
	return run, events, stats
}

func TestStart_RunLevelFailures(t *testing.T) {
	b := newFakeBackend()
	if _, err := Start(context.Background(), b, testConfig(), nil, nil, nil); !errors.Is(err, ErrNoLanguages) {
		t.Fatalf("expected ErrNoLanguages, got %v", err)
	}
	if _, err := Start(context.Background(), nil, testConfig("en"), nil, nil, nil); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
	if len(b.openedLanguages()) != 0 {
		t.Fatalf("expected no session opened on run-level failure")
	}
}

func TestStart_ResolvesLanguages(t *testing.T) {
	b := newFakeBackend()
	run, _, _ := startRun(t, b, testConfig("en", "tr", "tr-TR"))
	if got := run.Languages(); len(got) != 2 || got[0] != "en" || got[1] != "tr" {
		t.Fatalf("unexpected languages %v", got)
	}
	if len(b.openedLanguages()) != 2 {
		t.Fatalf("expected two sessions, got %v", b.openedLanguages())
	}

	cfg := testConfig()
	cfg.Language = "auto"
	run2, _, _ := startRun(t, newFakeBackend(), cfg)
	if got := run2.Languages(); len(got) != 1 || got[0] != "multi" {
		t.Fatalf("expected auto to map to multi, got %v", got)
	}
}

func TestRun_FansOutAudio(t *testing.T) {
	b := newFakeBackend()
	run, _, stats := startRun(t, b, testConfig("en", "tr"))
	for i := 0; i < 3; i++ {
		if _, err := run.Write([]byte{0, 1, 0, 1}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, lang := range []string{"en", "tr"} {
		if n, _ := b.conn(lang).state(); n != 3 {
			t.Fatalf("expected 3 chunks for %s, got %d", lang, n)
		}
	}
	if s := stats.Snapshot(); s.AudioChunks != 3 || s.AudioBytes != 12 {
		t.Fatalf("unexpected audio stats %+v", s)
	}
}

func TestRun_DecidesAcrossLanguages(t *testing.T) {
	b := newFakeBackend()
	run, events, _ := startRun(t, b, testConfig("en", "tr"))

	b.cb("en").OnEvent(transcript.Event{Text: "How are you", Confidence: 0.92, IsFinal: true, IsUtteranceBoundary: true})
	b.cb("tr").OnEvent(transcript.Event{Text: "Hava rü yu", Confidence: 0.40, IsFinal: true, IsUtteranceBoundary: true})

	decided := events.waitFor(t, transcript.EventDecided, 1)
	d, ok := decided[0].Data.(transcript.Decision)
	if !ok {
		t.Fatalf("unexpected payload %T", decided[0].Data)
	}
	if d.Language != "en" || d.Text != "How are you" || d.Confidence != 0.92 || !d.IsFinal {
		t.Fatalf("unexpected decision %+v", d)
	}
	if decided[0].RunID != run.ID() {
		t.Fatalf("expected run id on event")
	}
	if run.Status().Dominant != "en" {
		t.Fatalf("expected dominant en")
	}
	time.Sleep(40 * time.Millisecond)
	if n := len(events.ofType(transcript.EventDecided)); n != 1 {
		t.Fatalf("expected one decision for one utterance, got %d", n)
	}
}

func TestRun_UtteranceEndFlushes(t *testing.T) {
	b := newFakeBackend()
	run, events, _ := startRun(t, b, testConfig("en"))
	b.cb("en").OnEvent(transcript.Event{Text: "no endpoint", Confidence: 0.8, IsFinal: true})
	b.cb("en").OnUtteranceEnd()
	events.waitFor(t, transcript.EventDecided, 1)

	b.cb("en").OnEvent(transcript.Event{Text: "manual flush", Confidence: 0.8, IsFinal: true})
	if err := run.EndUtterance(""); err != nil {
		t.Fatalf("end utterance: %v", err)
	}
	events.waitFor(t, transcript.EventDecided, 2)
	if err := run.EndUtterance("de"); !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}
}

func TestRun_ClausesFollowInterimWinner(t *testing.T) {
	b := newFakeBackend()
	run, events, _ := startRun(t, b, testConfig("en"))
	b.cb("en").OnEvent(transcript.Event{Text: "Hello there, how are", Confidence: 0.95})
	clauses := events.waitFor(t, transcript.EventClause, 1)
	if c := clauses[0].Data.(transcript.Clause); c.Text != "Hello there," || c.Sequence != 1 {
		t.Fatalf("unexpected clause %+v", c)
	}

	b.cb("en").OnEvent(transcript.Event{Text: "Hello there, how are you", Confidence: 0.95, IsFinal: true, IsUtteranceBoundary: true})
	clauses = events.waitFor(t, transcript.EventClause, 2)
	if c := clauses[1].Data.(transcript.Clause); c.Text != "how are you" || c.Sequence != 2 {
		t.Fatalf("unexpected final clause %+v", c)
	}
	if st := run.Status(); st.Clauses != 2 || st.Sessions[0].Language != "en" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRun_LanguageDownIsIsolated(t *testing.T) {
	b := newFakeBackend()
	b.reject["tr"] = true
	run, events, stats := startRun(t, b, testConfig("en", "tr"))

	down := events.waitFor(t, transcript.EventLanguageDown, 1)
	if st := down[0].Data.(supervisor.Status); st.Language != "tr" || !st.Permanent {
		t.Fatalf("unexpected down status %+v", st)
	}
	if _, err := run.Write([]byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, _ := b.conn("en").state(); n != 1 {
		t.Fatalf("expected en to keep receiving audio")
	}
	b.cb("en").OnEvent(transcript.Event{Text: "still here", Confidence: 0.9, IsFinal: true, IsUtteranceBoundary: true})
	events.waitFor(t, transcript.EventDecided, 1)
	time.Sleep(20 * time.Millisecond)
	if got := len(b.openedLanguages()); got != 2 {
		t.Fatalf("expected rejected language not to be retried, got %d opens", got)
	}
	if stats.Snapshot().PermanentFaults != 1 {
		t.Fatalf("expected permanent fault counted")
	}
}

func TestRun_StopIsIdempotentAndSilent(t *testing.T) {
	b := newFakeBackend()
	run, events, _ := startRun(t, b, testConfig("en", "tr"))
	b.cb("en").OnEvent(transcript.Event{Text: "pending", Confidence: 0.9, IsFinal: true, IsUtteranceBoundary: true})
	run.Stop()
	run.Stop()

	b.cb("tr").OnEvent(transcript.Event{Text: "late", Confidence: 0.9, IsFinal: true, IsUtteranceBoundary: true})
	time.Sleep(40 * time.Millisecond)
	if n := len(events.ofType(transcript.EventDecided)); n != 0 {
		t.Fatalf("expected no decisions after stop, got %d", n)
	}
	if n := len(events.ofType(transcript.EventRunStopped)); n != 1 {
		t.Fatalf("expected one run-stopped event, got %d", n)
	}
	if _, err := run.Write([]byte{1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	for _, lang := range []string{"en", "tr"} {
		if _, closed := b.conn(lang).state(); !closed {
			t.Fatalf("expected %s session closed", lang)
		}
	}
	if run.Status().Running {
		t.Fatalf("expected status not running")
	}
}
