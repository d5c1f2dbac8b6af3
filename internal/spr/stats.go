package spr

import (
	"sync/atomic"

	"github.com/zsiec/sprd/internal/avsync"
)

type engineStats struct {
	cycles        atomic.Uint64
	rendered      atomic.Uint64
	held          atomic.Uint64
	dropped       atomic.Uint64
	underruns     atomic.Uint64
	formatChanges atomic.Uint64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Cycles        uint64 `json:"cycles"`
	Rendered      uint64 `json:"rendered"`
	Held          uint64 `json:"held"`
	Dropped       uint64 `json:"dropped"`
	Underruns     uint64 `json:"underruns"`
	FormatChanges uint64 `json:"formatChanges"`
	OverflowBytes uint64 `json:"overflowBytes"`
	HoldEvicted   uint64 `json:"holdEvicted"`
	HeldUs        int64  `json:"heldUs"`

	TimerEnabled   bool   `json:"timerEnabled"`
	SkippedFrames  uint64 `json:"skippedFrames"`
	PendingDriftUs int64  `json:"pendingDriftUs"`
	AccDriftUs     int64  `json:"accDriftUs"`

	Session *avsync.SessionTime `json:"session,omitempty"`
}

// Stats returns a snapshot. Only the counters are safe to read from other
// goroutines; call it from the goroutine that owns the engine.
func (e *Engine) Stats() Stats {
	st := Stats{
		Cycles:        e.stats.cycles.Load(),
		Rendered:      e.stats.rendered.Load(),
		Held:          e.stats.held.Load(),
		Dropped:       e.stats.dropped.Load(),
		Underruns:     e.stats.underruns.Load(),
		FormatChanges: e.stats.formatChanges.Load(),
		HoldEvicted:   e.hold.Evicted() + e.mfq.Evicted(),
		HeldUs:        e.budget.HeldUs(),
		TimerEnabled:  e.sched != nil,
	}
	if e.ring != nil {
		st.OverflowBytes = e.ring.OverflowBytes()
	}
	if e.sched != nil {
		st.SkippedFrames = e.sched.Skipped()
		st.PendingDriftUs = e.sched.PendingDriftUs()
		st.AccDriftUs = e.sched.AccDriftUs()
	}
	if session, ok := e.SessionTime(); ok {
		st.Session = &session
	}
	return st
}
