package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DEEPGRAM_LISTEN_URL is the live transcription endpoint.
const DEEPGRAM_LISTEN_URL = "wss://api.deepgram.com/v1/listen"

// AUDIO_QUEUE_SIZE bounds the per-connection audio queue. Chunks beyond it are dropped.
const AUDIO_QUEUE_SIZE = 1000

// WRITE_TIMEOUT bounds a single websocket write.
const WRITE_TIMEOUT = 5 * time.Second

// CLOSE_GRACE is how long Close waits for the writer to send CloseStream.
const CLOSE_GRACE = 2 * time.Second

// ErrMissingAPIKey is returned when the service is built without credentials.
var ErrMissingAPIKey = errors.New("transcript: deepgram api key is empty")

var errControlQueueFull = errors.New("transcript: control queue full")

// DeepgramLanguages maps requested language codes onto Deepgram's codes.
var DeepgramLanguages = map[string]string{
	"auto":  "multi",
	"en":    "en",
	"tr":    "tr",
	"en-US": "en-US",
	"tr-TR": "tr",
}

var (
	keepAliveFrame   = []byte(`{"type":"KeepAlive"}`)
	closeStreamFrame = []byte(`{"type":"CloseStream"}`)
)

// SupportsKeywords reports whether model accepts keyword boosting.
// Newer models reject the request outright when keywords are present.
func SupportsKeywords(model string) bool { return strings.HasPrefix(model, "nova-2") }

// DeepgramService opens Deepgram live transcription sessions over websocket.
type DeepgramService struct {
	apiKey    string
	listenURL string
	dialer    *websocket.Dialer
	log       *zap.SugaredLogger
}

// DeepgramOption customizes a DeepgramService.
type DeepgramOption func(*DeepgramService)

// WithListenURL points the service at another endpoint (tests, proxies).
func WithListenURL(u string) DeepgramOption {
	return func(d *DeepgramService) { d.listenURL = u }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.SugaredLogger) DeepgramOption {
	return func(d *DeepgramService) { d.log = l }
}

// NewDeepgramService creates a Backend for Deepgram live transcription.
func NewDeepgramService(apiKey string, opts ...DeepgramOption) (*DeepgramService, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	d := &DeepgramService{
		apiKey:    apiKey,
		listenURL: DEEPGRAM_LISTEN_URL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// listenQuery encodes opts as Deepgram query parameters.
func listenQuery(language string, o Options) url.Values {
	model := o.Model
	if model == "" {
		model = "nova-3"
	}
	q := url.Values{}
	q.Set("model", model)
	q.Set("language", language)
	q.Set("punctuate", strconv.FormatBool(o.Punctuate))
	q.Set("diarize", strconv.FormatBool(o.Diarize))
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	q.Set("profanity_filter", strconv.FormatBool(o.ProfanityFilter))
	q.Set("filler_words", strconv.FormatBool(o.FillerWords))
	q.Set("utterances", strconv.FormatBool(o.Utterances))
	if o.Encoding != "" {
		q.Set("encoding", o.Encoding)
	}
	if o.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	}
	channels := o.Channels
	if channels <= 0 {
		channels = 1
	}
	q.Set("channels", strconv.Itoa(channels))
	if o.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(o.Endpointing.Milliseconds(), 10))
	} else {
		q.Set("endpointing", "false")
	}
	if o.UtteranceEnd > 0 {
		q.Set("utterance_end_ms", strconv.FormatInt(o.UtteranceEnd.Milliseconds(), 10))
	}
	if SupportsKeywords(model) {
		for _, k := range o.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				q.Add("keywords", k)
			}
		}
	}
	return q
}

// rejectedStatus reports handshake statuses that retrying cannot fix.
func rejectedStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// badRequest reports whether a server error frame rejects the request itself.
func badRequest(desc string) bool {
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "400") || strings.Contains(desc, "bad request")
}

// Open dials a live session for language. The callback starts receiving
// events as soon as Open returns.
func (d *DeepgramService) Open(ctx context.Context, language string, opts Options, cb Callback) (Conn, error) {
	wsURL := d.listenURL + "?" + listenQuery(language, opts).Encode()
	headers := http.Header{"Authorization": {"Token " + d.apiKey}}

	d.log.Debugw("connecting to deepgram", "language", language, "url", wsURL)
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			d.log.Warnw("deepgram handshake failed", "language", language, "status", resp.StatusCode)
			if rejectedStatus(resp.StatusCode) {
				return nil, fmt.Errorf("%w: handshake status %d for %s", ErrRejected, resp.StatusCode, language)
			}
		}
		return nil, fmt.Errorf("connect deepgram (%s): %w", language, err)
	}

	s := &deepgramStream{
		language:   language,
		conn:       conn,
		cb:         cb,
		log:        d.log.With("language", language),
		audio:      make(chan []byte, AUDIO_QUEUE_SIZE),
		control:    make(chan []byte, 8),
		stopCh:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	d.log.Infow("deepgram stream opened", "language", language)
	return s, nil
}

// Deepgram message types
type resultsMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type deepgramStream struct {
	language string
	conn     *websocket.Conn
	cb       Callback
	log      *zap.SugaredLogger

	audio      chan []byte
	control    chan []byte
	stopCh     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
}

// Send queues audio for the writer goroutine.
func (s *deepgramStream) Send(pcm []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.audio <- pcm:
	default:
		s.log.Debugw("audio queue full, dropping chunk", "bytes", len(pcm))
	}
	return nil
}

// KeepAlive queues a KeepAlive control frame.
func (s *deepgramStream) KeepAlive() error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.control <- keepAliveFrame:
		return nil
	default:
		return errControlQueueFull
	}
}

// Close sends CloseStream and tears the socket down. Callbacks stop firing.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		select {
		case <-s.writerDone:
		case <-time.After(CLOSE_GRACE):
		}
		_ = s.conn.Close()
		s.log.Infow("deepgram stream closed")
	})
	return nil
}

func (s *deepgramStream) write(kind int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	return s.conn.WriteMessage(kind, data)
}

// writeLoop is the only writer on the socket.
func (s *deepgramStream) writeLoop() {
	defer close(s.writerDone)
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("recovered from panic in writeLoop", "panic", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			if err := s.write(websocket.TextMessage, closeStreamFrame); err != nil {
				s.log.Debugw("close stream frame not sent", "error", err)
			}
			return
		case pcm := <-s.audio:
			if err := s.write(websocket.BinaryMessage, pcm); err != nil {
				s.log.Debugw("error sending audio", "error", err)
			}
		case frame := <-s.control:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.log.Debugw("error sending control frame", "error", err)
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("recovered from panic in readLoop", "panic", r)
		}
	}()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Infow("deepgram closed the stream")
				s.cb.OnClose()
				return
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				err = fmt.Errorf("%w: %v", ErrRejected, err)
			}
			s.log.Warnw("deepgram read failed", "error", err)
			s.cb.OnError(err)
			s.cb.OnClose()
			return
		}
		if s.closed.Load() {
			return
		}
		s.processMessage(message)
	}
}

// processMessage routes one server message on its type field.
func (s *deepgramStream) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warnw("error unmarshaling message", "error", err)
		return
	}
	switch base.Type {
	case "Results":
		var msg resultsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warnw("error unmarshaling Results message", "error", err)
			return
		}
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" && !msg.SpeechFinal {
			return
		}
		s.cb.OnEvent(Event{
			Text:                text,
			Confidence:          alt.Confidence,
			IsFinal:             msg.IsFinal,
			IsUtteranceBoundary: msg.SpeechFinal,
		})
	case "UtteranceEnd":
		s.cb.OnUtteranceEnd()
	case "Metadata", "SpeechStarted":
		s.log.Debugw("deepgram message", "type", base.Type)
	case "Error":
		var msg errorMessage
		_ = json.Unmarshal(message, &msg)
		desc := msg.Description
		if desc == "" {
			desc = msg.Message
		}
		if badRequest(desc) {
			s.cb.OnError(fmt.Errorf("%w: deepgram error: %s", ErrRejected, desc))
			return
		}
		s.cb.OnError(fmt.Errorf("deepgram error: %s", desc))
	default:
		s.log.Debugw("unknown message type", "type", base.Type)
	}
}
