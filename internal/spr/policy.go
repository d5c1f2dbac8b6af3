package spr

import (
	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/timer"
)

// Trigger tells the container when to call Process.
type Trigger struct {
	// TimerDisabled means the engine has no timer; the container calls
	// Process when input arrives and outputs are not zero filled.
	TimerDisabled bool
	// Dropping means the engine is discarding late input. Input becomes
	// mandatory and outputs optional so late data drains quickly.
	Dropping bool
}

// TriggerPolicy is the container side of trigger changes.
type TriggerPolicy interface {
	SetTrigger(t Trigger)
}

// TriggerFunc adapts a function to TriggerPolicy.
type TriggerFunc func(t Trigger)

// SetTrigger implements TriggerPolicy.
func (f TriggerFunc) SetTrigger(t Trigger) { f(t) }

func (e *Engine) updateTrigger() {
	t := Trigger{TimerDisabled: e.timerDisabled, Dropping: e.dropping}
	if t == e.lastTrigger {
		return
	}
	e.lastTrigger = t
	e.log.Info("trigger policy changed", "timer_disabled", t.TimerDisabled, "dropping", t.Dropping)
	if e.trigger != nil {
		e.trigger.SetTrigger(t)
	}
}

func (e *Engine) setDropping(v bool) {
	if e.dropping == v {
		return
	}
	e.dropping = v
	e.updateTrigger()
}

// canDisableTimer reports whether nothing depends on steady timer-paced
// output.
func (e *Engine) canDisableTimer() bool {
	if !e.cfg.DutyCycling || !e.allowNoTS {
		return false
	}
	if e.in.state != PortStarted || e.startedOut != 1 {
		return false
	}
	if e.sync != nil {
		switch e.sync.Config().Mode {
		case avsync.ModeAbsolute, avsync.ModeDelayed:
			return false
		}
	}
	if p := e.primaryPort(); p == nil || p.downstreamRT {
		return false
	}
	return e.underrun == nil
}

func (e *Engine) checkTimerDisable() {
	disable := e.canDisableTimer()
	if disable != e.timerDisabled {
		e.log.Info("timer mode changed", "disabled", disable, "started_out", e.startedOut)
		e.timerDisabled = disable
		e.updateTrigger()
	}
	e.updateTimer()
}

// updateTimer creates the scheduler when the timer is enabled and drops it
// when disabled.
func (e *Engine) updateTimer() {
	if e.timerDisabled {
		if e.sched != nil {
			e.log.Info("timer destroyed")
			e.sched = nil
			e.wakeUs = 0
		}
		return
	}
	if e.sched != nil {
		return
	}
	s := timer.NewScheduler(e.cfg.FrameUs, e.baseLog)
	s.SetOutput(e.outDrift)
	if e.formatSet {
		s.SetFormat(e.format.SampleRate)
	}
	s.SetPeer(e.primaryPeer())
	now := e.clock()
	s.Start(now)
	e.sched = s
	e.wakeUs = now
}

// nextWake advances the timer by one frame.
func (e *Engine) nextWake() {
	if e.sched == nil {
		return
	}
	e.wakeUs = e.sched.Next(e.clock())
}

// restartTimer anchors the schedule at the current time.
func (e *Engine) restartTimer() {
	if e.sched == nil {
		return
	}
	now := e.clock()
	e.sched.Start(now)
	e.wakeUs = now
}
