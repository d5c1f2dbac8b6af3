package spr

import (
	"fmt"

	"github.com/zsiec/sprd/internal/avsync"
)

// Underrun log intervals. A port that keeps underrunning for lack of data
// is in steady state and logs less often.
const (
	underrunLogIntervalUs       = 1_000_000
	underrunSteadyLogIntervalUs = 5_000_000
)

// UnderrunReason says why an output was zero filled.
type UnderrunReason int

// Underrun reasons.
const (
	UnderrunNoData UnderrunReason = iota + 1
	UnderrunHeld
	UnderrunDropped
	UnderrunInputAtGap
)

func (r UnderrunReason) String() string {
	switch r {
	case UnderrunNoData:
		return "no-data"
	case UnderrunHeld:
		return "held"
	case UnderrunDropped:
		return "dropped"
	case UnderrunInputAtGap:
		return "input-at-gap"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// UnderrunEvent is raised for the primary output port when it had to be
// zero filled.
type UnderrunEvent struct {
	PortID      uint32
	Reason      UnderrunReason
	ZeroBytes   int
	TimestampUs int64
}

// UnderrunListener receives underrun events. Registering a listener keeps
// the engine in timer mode so underruns stay observable.
type UnderrunListener interface {
	OnUnderrun(ev UnderrunEvent)
}

// UnderrunFunc adapts a function to UnderrunListener.
type UnderrunFunc func(ev UnderrunEvent)

// OnUnderrun implements UnderrunListener.
func (f UnderrunFunc) OnUnderrun(ev UnderrunEvent) { f(ev) }

type underrunLog struct {
	count      uint64
	sinceLast  uint64
	lastUs     int64
	lastReason UnderrunReason
	printed    bool
}

// allow reports whether an underrun at nowUs should be logged and returns
// the number of underruns folded into this line.
func (l *underrunLog) allow(nowUs int64, reason UnderrunReason) (bool, uint64) {
	l.count++
	l.sinceLast++
	interval := int64(underrunLogIntervalUs)
	if reason == UnderrunNoData && l.lastReason == UnderrunNoData {
		interval = underrunSteadyLogIntervalUs
	}
	l.lastReason = reason
	if l.printed && nowUs-l.lastUs < interval {
		return false, 0
	}
	n := l.sinceLast
	l.printed = true
	l.lastUs = nowUs
	l.sinceLast = 0
	return true, n
}

// underrunReason attributes an underrun to the state of the input.
func (e *Engine) underrunReason() UnderrunReason {
	if e.inputAtGap {
		return UnderrunInputAtGap
	}
	if e.sync == nil {
		return UnderrunNoData
	}
	switch e.sync.LastDecision() {
	case avsync.Hold:
		return UnderrunHeld
	case avsync.Drop:
		return UnderrunDropped
	}
	return UnderrunNoData
}

func (e *Engine) reportUnderrun(p *outputPort, zeroBytes int, ts int64) {
	reason := e.underrunReason()
	e.stats.underruns.Add(1)

	if p.index == e.primary && reason != UnderrunInputAtGap && e.underrun != nil {
		e.underrun.OnUnderrun(UnderrunEvent{
			PortID:      p.id,
			Reason:      reason,
			ZeroBytes:   zeroBytes,
			TimestampUs: ts,
		})
	}

	if ok, n := e.underrunLog.allow(e.clock(), reason); ok {
		e.log.Info("output underrun", "port", p.id, "reason", reason, "zero_bytes", zeroBytes,
			"count", n, "total", e.underrunLog.count)
	}
}
