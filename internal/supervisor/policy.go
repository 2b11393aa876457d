package supervisor

import "time"

// Policy controls reconnects and keep-alives for one session.
type Policy struct {
	// BaseDelay is the first reconnect delay; each further failure doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// MaxFailures is the number of consecutive failures tolerated before giving up.
	MaxFailures int
	// KeepAlive is the keep-alive interval while the session is open. Zero disables it.
	KeepAlive time.Duration
}

// DefaultPolicy returns 500ms/1s/2s backoff, three failures, 8s keep-alive.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxFailures: 3,
		KeepAlive:   8 * time.Second,
	}
}

// Backoff returns the delay before the reconnect that follows the given
// number of consecutive failures: min(base * 2^(failures-1), max).
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
