// Package telemetry counts what a transcription run does.
package telemetry

import "sync/atomic"

// Recorder collects counters. All methods are safe for concurrent use and a
// nil *Recorder ignores every call.
type Recorder struct {
	runs             atomic.Uint64
	audioChunks      atomic.Uint64
	audioBytes       atomic.Uint64
	reconnects       atomic.Uint64
	giveUps          atomic.Uint64
	permanentFaults  atomic.Uint64
	decisions        atomic.Uint64
	interimDecisions atomic.Uint64
	suppressed       atomic.Uint64
	buffered         atomic.Uint64
	switches         atomic.Uint64
	clauses          atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Runs             uint64 `json:"runs"`
	AudioChunks      uint64 `json:"audioChunks"`
	AudioBytes       uint64 `json:"audioBytes"`
	Reconnects       uint64 `json:"reconnects"`
	GiveUps          uint64 `json:"giveUps"`
	PermanentFaults  uint64 `json:"permanentFaults"`
	Decisions        uint64 `json:"decisions"`
	InterimDecisions uint64 `json:"interimDecisions"`
	Suppressed       uint64 `json:"suppressed"`
	Buffered         uint64 `json:"buffered"`
	Switches         uint64 `json:"switches"`
	Clauses          uint64 `json:"clauses"`
}

// NewRecorder returns a zeroed Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) RunStarted() {
	if r != nil {
		r.runs.Add(1)
	}
}

func (r *Recorder) Audio(bytes int) {
	if r != nil {
		r.audioChunks.Add(1)
		r.audioBytes.Add(uint64(bytes))
	}
}

func (r *Recorder) Reconnect() {
	if r != nil {
		r.reconnects.Add(1)
	}
}

// GiveUp counts a language lost to repeated faults; permanent marks a rejected configuration.
func (r *Recorder) GiveUp(permanent bool) {
	if r == nil {
		return
	}
	if permanent {
		r.permanentFaults.Add(1)
		return
	}
	r.giveUps.Add(1)
}

// Decision counts a committed round.
func (r *Recorder) Decision(final, switched bool) {
	if r == nil {
		return
	}
	if final {
		r.decisions.Add(1)
	} else {
		r.interimDecisions.Add(1)
	}
	if switched {
		r.switches.Add(1)
	}
}

func (r *Recorder) Suppressed() {
	if r != nil {
		r.suppressed.Add(1)
	}
}

func (r *Recorder) Buffered() {
	if r != nil {
		r.buffered.Add(1)
	}
}

func (r *Recorder) Clause() {
	if r != nil {
		r.clauses.Add(1)
	}
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Runs:             r.runs.Load(),
		AudioChunks:      r.audioChunks.Load(),
		AudioBytes:       r.audioBytes.Load(),
		Reconnects:       r.reconnects.Load(),
		GiveUps:          r.giveUps.Load(),
		PermanentFaults:  r.permanentFaults.Load(),
		Decisions:        r.decisions.Load(),
		InterimDecisions: r.interimDecisions.Load(),
		Suppressed:       r.suppressed.Load(),
		Buffered:         r.buffered.Load(),
		Switches:         r.switches.Load(),
		Clauses:          r.clauses.Load(),
	}
}
