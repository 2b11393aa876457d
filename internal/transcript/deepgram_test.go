package transcript

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type recordingCallback struct {
	mu     sync.Mutex
	events []Event
	ends   int
	errs   []error
	closed chan struct{}
	once   sync.Once
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{closed: make(chan struct{})}
}

func (r *recordingCallback) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingCallback) OnUtteranceEnd() {
	r.mu.Lock()
	r.ends++
	r.mu.Unlock()
}

func (r *recordingCallback) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingCallback) OnClose() { r.once.Do(func() { close(r.closed) }) }

func (r *recordingCallback) snapshot() ([]Event, int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), r.ends, append([]error(nil), r.errs...)
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func fakeDeepgram(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitClosed(t *testing.T, cb *recordingCallback) {
	t.Helper()
	select {
	case <-cb.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close callback")
	}
}

func TestNewDeepgramService_NoKey(t *testing.T) {
	if _, err := NewDeepgramService(" "); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestListenQuery(t *testing.T) {
	o := DefaultOptions()
	o.Keywords = []string{"Istanbul", " "}
	q := listenQuery("tr", o)
	if q.Get("language") != "tr" || q.Get("model") != "nova-3" {
		t.Fatalf("unexpected query %v", q)
	}
	if q.Get("endpointing") != "300" || q.Get("sample_rate") != "16000" || q.Get("encoding") != "linear16" {
		t.Fatalf("unexpected audio/endpointing params %v", q)
	}
	if q.Has("keywords") {
		t.Fatalf("expected keywords dropped for nova-3")
	}
	if q.Has("utterance_end_ms") {
		t.Fatalf("expected utterance_end_ms omitted when zero")
	}

	o.Model = "nova-2-general"
	o.Endpointing = 0
	o.UtteranceEnd = time.Second
	q = listenQuery("en", o)
	if kw := q["keywords"]; len(kw) != 1 || kw[0] != "Istanbul" {
		t.Fatalf("expected keywords for nova-2, got %v", kw)
	}
	if q.Get("endpointing") != "false" || q.Get("utterance_end_ms") != "1000" {
		t.Fatalf("unexpected endpointing params %v", q)
	}
}

func TestDeepgram_StreamsEventsAndAudio(t *testing.T) {
	received := make(chan string, 16)
	url := fakeDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" || r.URL.Query().Get("language") != "tr" {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad request"))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"speech_final":false,"channel":{"alternatives":[{"transcript":"merha","confidence":0.5}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":" merhaba ","confidence":0.93}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				received <- "audio"
				continue
			}
			received <- string(data)
		}
	})

	svc, err := NewDeepgramService("key", WithListenURL(url), WithLogger(zaptest.NewLogger(t).Sugar()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cb := newRecordingCallback()
	conn, err := svc.Open(context.Background(), "tr", DefaultOptions(), cb)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	expect := func(want string) {
		t.Helper()
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	if err := conn.Send([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expect("audio")
	if err := conn.KeepAlive(); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	expect(`{"type":"KeepAlive"}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, ends, _ := cb.snapshot()
		if len(events) == 2 && ends == 1 {
			if events[0].IsFinal || events[0].Text != "merha" {
				t.Fatalf("unexpected interim event %+v", events[0])
			}
			if !events[1].IsFinal || !events[1].IsUtteranceBoundary || events[1].Text != "merhaba" || events[1].Confidence != 0.93 {
				t.Fatalf("unexpected final event %+v", events[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, got %+v ends=%d", events, ends)
		}
		time.Sleep(2 * time.Millisecond)
	}

	_ = conn.Close()
	expect(`{"type":"CloseStream"}`)
	if err := conn.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestDeepgram_HandshakeRejectedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported keywords", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc, _ := NewDeepgramService("key", WithListenURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := svc.Open(context.Background(), "en", DefaultOptions(), newRecordingCallback())
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDeepgram_ServerErrorCloseIsTransient(t *testing.T) {
	url := fakeDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "NET-0001"))
		time.Sleep(50 * time.Millisecond)
	})
	svc, _ := NewDeepgramService("key", WithListenURL(url))
	cb := newRecordingCallback()
	conn, err := svc.Open(context.Background(), "en", DefaultOptions(), cb)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	waitClosed(t, cb)
	_, _, errs := cb.snapshot()
	if len(errs) != 1 || IsPermanent(errs[0]) {
		t.Fatalf("expected one transient error, got %v", errs)
	}
}

func TestDeepgram_PolicyViolationIsPermanent(t *testing.T) {
	url := fakeDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "DATA-0000"))
		time.Sleep(50 * time.Millisecond)
	})
	svc, _ := NewDeepgramService("key", WithListenURL(url))
	cb := newRecordingCallback()
	conn, err := svc.Open(context.Background(), "en", DefaultOptions(), cb)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	waitClosed(t, cb)
	_, _, errs := cb.snapshot()
	if len(errs) != 1 || !IsPermanent(errs[0]) {
		t.Fatalf("expected one permanent error, got %v", errs)
	}
}

func TestDeepgram_ErrorFrameClassification(t *testing.T) {
	cases := []struct {
		desc      string
		permanent bool
	}{
		{"400 Bad Request: keywords are not supported by this model", true},
		{"bad request", true},
		{"internal processing failure", false},
	}
	for _, tc := range cases {
		tc := tc
		url := fakeDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
			_ = conn.WriteJSON(map[string]string{"type": "Error", "description": tc.desc})
			time.Sleep(100 * time.Millisecond)
		})
		svc, _ := NewDeepgramService("key", WithListenURL(url))
		cb := newRecordingCallback()
		conn, err := svc.Open(context.Background(), "en", DefaultOptions(), cb)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		var errs []error
		for len(errs) == 0 && time.Now().Before(deadline) {
			_, _, errs = cb.snapshot()
			time.Sleep(2 * time.Millisecond)
		}
		_ = conn.Close()
		if len(errs) == 0 {
			t.Fatalf("%q: expected an error callback", tc.desc)
		}
		if IsPermanent(errs[0]) != tc.permanent {
			t.Fatalf("%q: expected permanent=%v, got %v", tc.desc, tc.permanent, errs[0])
		}
	}
}
