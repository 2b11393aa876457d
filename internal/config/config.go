package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/polyscribe/internal/arbiter"
	"github.com/chadiek/polyscribe/internal/supervisor"
	"github.com/chadiek/polyscribe/internal/transcript"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string
	LogLevel     string

	DeepgramKey string
	DeepgramURL string

	// Languages is the requested language list; Language is used when it is empty.
	Languages []string
	Language  string

	Recognition     transcript.Options
	Reconnect       supervisor.Policy
	Sentence        arbiter.Params
	Interim         arbiter.Params
	MinClauseLength int
	EventReplay     int
}

// Loader reads configuration through Lookup.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load reads .env (if present) and the environment and returns Config with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Loader{Lookup: os.LookupEnv}.Load()
}

// Load builds a Config from defaults overridden by looked-up values.
func (l Loader) Load() (Config, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	p := parser{lookup: lookup}

	threshold := p.float("CONFIDENCE_THRESHOLD", 0.85)
	minWords := p.int("MIN_WORD_BUFFER", 3)

	cfg := Config{
		HTTPAddress:     p.str("HTTP_ADDRESS", ":8080"),
		AuthPassword:    p.str("AUTH_PASSWORD", ""),
		LogLevel:        p.str("LOG_LEVEL", "info"),
		DeepgramKey:     p.str("DEEPGRAM_API_KEY", ""),
		DeepgramURL:     p.str("DEEPGRAM_LISTEN_URL", transcript.DEEPGRAM_LISTEN_URL),
		Languages:       p.list("LANGUAGES"),
		Language:        p.str("LANGUAGE", "multi"),
		Recognition:     transcript.DefaultOptions(),
		Reconnect:       supervisor.DefaultPolicy(),
		Sentence:        arbiter.SentenceParams(),
		Interim:         arbiter.InterimParams(threshold, minWords),
		MinClauseLength: p.int("MIN_CLAUSE_LENGTH", 5),
		EventReplay:     p.int("EVENT_REPLAY", 32),
	}

	o := &cfg.Recognition
	o.Model = p.str("DEEPGRAM_MODEL", o.Model)
	o.Punctuate = p.bool("DEEPGRAM_PUNCTUATE", o.Punctuate)
	o.Diarize = p.bool("DEEPGRAM_DIARIZE", o.Diarize)
	o.SmartFormat = p.bool("DEEPGRAM_SMART_FORMAT", o.SmartFormat)
	o.InterimResults = p.bool("DEEPGRAM_INTERIM_RESULTS", o.InterimResults)
	o.ProfanityFilter = p.bool("DEEPGRAM_PROFANITY_FILTER", o.ProfanityFilter)
	o.FillerWords = p.bool("DEEPGRAM_FILLER_WORDS", o.FillerWords)
	o.Utterances = p.bool("DEEPGRAM_UTTERANCES", o.Utterances)
	o.Endpointing = p.endpointing("DEEPGRAM_ENDPOINTING", o.Endpointing)
	o.UtteranceEnd = p.millis("DEEPGRAM_UTTERANCE_END_MS", 0)
	o.Encoding = p.str("DEEPGRAM_ENCODING", o.Encoding)
	o.SampleRate = p.int("DEEPGRAM_SAMPLE_RATE", o.SampleRate)
	o.Keywords = p.list("DEEPGRAM_KEYWORDS")

	r := &cfg.Reconnect
	r.BaseDelay = p.millis("RECONNECT_BASE_MS", r.BaseDelay)
	r.MaxDelay = p.millis("RECONNECT_MAX_MS", r.MaxDelay)
	r.MaxFailures = p.int("MAX_CONSECUTIVE_FAILURES", r.MaxFailures)
	r.KeepAlive = p.millis("KEEPALIVE_MS", r.KeepAlive)

	silence := p.millis("SILENCE_RESET_MS", cfg.Sentence.SilenceReset)
	bias := p.float("DOMINANT_BIAS", cfg.Sentence.Bias)
	cfg.Sentence.Debounce = p.millis("SENTENCE_DEBOUNCE_MS", cfg.Sentence.Debounce)
	cfg.Sentence.Floor = p.float("SENTENCE_FLOOR", cfg.Sentence.Floor)
	cfg.Interim.Debounce = p.millis("INTERIM_DEBOUNCE_MS", cfg.Interim.Debounce)
	cfg.Sentence.SilenceReset, cfg.Interim.SilenceReset = silence, silence
	cfg.Sentence.Bias, cfg.Interim.Bias = bias, bias

	if err := errors.Join(p.errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if t := c.Interim.Floor; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", t))
	}
	if c.Interim.MinWords < 0 {
		errs = append(errs, fmt.Errorf("MIN_WORD_BUFFER must not be negative"))
	}
	if c.Sentence.Debounce <= 0 || c.Interim.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("debounce windows must be positive"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, fmt.Errorf("reconnect delays must satisfy 0 < base <= max"))
	}
	if c.Reconnect.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONSECUTIVE_FAILURES must not be negative"))
	}
	if c.Recognition.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("DEEPGRAM_SAMPLE_RATE must be positive"))
	}
	return errors.Join(errs...)
}

// Warnings lists missing settings that disable functionality.
func (c Config) Warnings() []string {
	var w []string
	if c.DeepgramKey == "" {
		w = append(w, "DEEPGRAM_API_KEY not set - runs cannot start")
	}
	if c.AuthPassword == "" {
		w = append(w, "AUTH_PASSWORD not set - control and websocket routes are open")
	}
	if len(c.Recognition.Keywords) > 0 && !transcript.SupportsKeywords(c.Recognition.Model) {
		w = append(w, "DEEPGRAM_KEYWORDS ignored for model "+c.Recognition.Model)
	}
	return w
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) millis(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: expected non-negative milliseconds, got %q", key, v))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// endpointing accepts milliseconds or "false"; both "false" and 0 disable it.
func (p *parser) endpointing(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	if strings.EqualFold(v, "false") {
		return 0
	}
	return p.millis(key, def)
}

func (p *parser) list(key string) []string {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
