// Package avsync implements the render-decision engine: session clock
// bookkeeping, render window gating of input buffers, hold-zero insertion
// when leaving a hold, and time-scale modification of the session clock.
//
// A State exists only while the client has sync enabled. All methods are
// called from the engine loop and are not safe for concurrent use.
package avsync

import (
	"log/slog"

	"github.com/zsiec/sprd/internal/pcm"
)

// Decision is the per-cycle classification of an input buffer.
type Decision int

// Render decisions.
const (
	Invalid Decision = iota
	Render
	Hold
	Drop
)

func (d Decision) String() string {
	switch d {
	case Render:
		return "render"
	case Hold:
		return "hold"
	case Drop:
		return "drop"
	default:
		return "invalid"
	}
}

// Input describes the buffer a decision is made for.
type Input struct {
	TimestampUs int64
	TSValid     bool
	Erasure     bool
	// IsHoldHead is set when the buffer is the head of the hold queue.
	IsHoldHead bool
}

// SessionTime is a snapshot of the clocks reported to clients.
type SessionTime struct {
	SessionClockUs  int64 `json:"sessionClockUs"`
	ExpectedClockUs int64 `json:"expectedClockUs"`
	AbsoluteTimeUs  int64 `json:"absoluteTimeUs"`
	TimestampUs     int64 `json:"timestampUs"`
	TSValid         bool  `json:"tsValid"`
	StartTimeUs     int64 `json:"startTimeUs"`
}

// State is the sync state of one renderer instance.
type State struct {
	log *slog.Logger
	cfg Config

	format     pcm.MediaFormat
	frameUs    int64
	frameBytes int

	wallClockUs int64
	dsDelayUs   int64

	sessionClockUs         int64
	expectedSessionClockUs int64
	baseTimestampUs        int64
	procTimestampUs        int64
	absoluteTimeUs         int64
	calcStartTimeUs        int64
	elapsedSamples         uint64
	elapsedExpectedSamples uint64

	tsm        tsmInfo
	pendingTSM scalePending

	tsValid          bool
	dfg              bool
	pendingDFG       bool
	firstBufRcvd     bool
	firstBufRendered bool
	timescaled       bool

	decision         Decision
	absRenderDeltaUs int64
	holdZeroes       int
}

// New creates a State with cfg. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &State{
		log: log.With("component", "avsync"),
		cfg: cfg,
		tsm: tsmInfo{speedFactor: UnitySpeedFactor},
	}, nil
}

// Config returns the active render configuration.
func (s *State) Config() Config { return s.cfg }

// SetConfig replaces the render configuration. Once the input has started
// only the render window may change.
func (s *State) SetConfig(cfg Config, started bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if started && !s.cfg.windowOnly(cfg) {
		return ErrRuntimeChange
	}
	s.cfg = cfg
	s.log.Info("render config",
		"mode", cfg.Mode, "reference", cfg.Reference,
		"start_us", cfg.StartTimeUs, "window_start_us", cfg.WindowStartUs,
		"window_end_us", cfg.WindowEndUs, "hold_us", cfg.HoldDurationUs)
	return nil
}

// SetFormat updates the operating format and frame size used for
// conversions and hold-zero computation.
func (s *State) SetFormat(f pcm.MediaFormat, frameUs int64) {
	s.format = f
	s.frameUs = frameUs
	s.frameBytes = f.FrameBytesPerChannel(frameUs)
}

// HoldConfigured reports whether a hold buffer duration is set.
func (s *State) HoldConfigured() bool {
	return s != nil && s.cfg.HoldDurationUs > 0
}

// SetPathDelay records the aggregated downstream delay of the primary port.
func (s *State) SetPathDelay(us int64) {
	if us != s.dsDelayUs {
		s.log.Debug("path delay changed", "from_us", s.dsDelayUs, "to_us", us)
	}
	s.dsDelayUs = us
}

// BeginCycle prepares the state for a decision on in: data resumes flow
// after a gap, the wall clock is snapshotted and the session start is
// computed for the first buffer.
func (s *State) BeginCycle(in Input, nowUs int64) {
	if !in.Erasure {
		s.dfg = false
	}
	s.wallClockUs = nowUs
	if s.firstBufRcvd {
		return
	}
	s.firstBufRcvd = true
	s.calcSessionStartTime(in)
	s.initSessionTime(in)
}

// Decide gates in against the render window. A nil State has sync
// disabled and always renders.
func (s *State) Decide(in Input) Decision {
	if s == nil {
		return Render
	}
	d := s.decide(in)
	if d == Render {
		s.firstBufRendered = true
	}
	s.decision = d
	return d
}

func (s *State) decide(in Input) Decision {
	if (!in.TSValid || s.dfg) && s.firstBufRendered {
		s.absRenderDeltaUs = 0
		return Render
	}
	ts := in.TimestampUs
	if !in.TSValid {
		ts = 0
	}
	if in.Erasure {
		s.absRenderDeltaUs = 0
		return Render
	}
	if !s.firstBufRendered && s.cfg.Mode == ModeImmediate {
		s.absRenderDeltaUs = 0
		return Render
	}

	ref := s.referenceTime()
	reference := s.cfg.Reference
	if !s.firstBufRendered && reference == RefDefault &&
		(s.cfg.Mode == ModeAbsolute || s.cfg.Mode == ModeDelayed) {
		reference = RefWallClock
		ref = s.wallClockUs
	}

	var delta int64
	if reference == RefWallClock {
		delta = ref + s.dsDelayUs - ts - s.calcStartTimeUs
	} else {
		delta = ref - ts
	}
	s.absRenderDeltaUs = abs(delta)

	s.log.Debug("render delta", "ref_us", ref, "ts_us", ts, "start_us", s.calcStartTimeUs,
		"path_delay_us", s.dsDelayUs, "delta_us", delta)

	switch {
	case delta <= s.cfg.WindowStartUs:
		return Hold
	case delta >= s.cfg.WindowEndUs:
		if !in.TSValid {
			return Render
		}
		return Drop
	}
	return s.checkHoldZeroes(in, delta)
}

// checkHoldZeroes handles a render that is early by less than the window:
// when leaving a hold (or on the first buffer) the output is prefixed with
// silence for the early part, or the buffer stays held if that is a full
// frame or more.
func (s *State) checkHoldZeroes(in Input, delta int64) Decision {
	leavingHold := in.IsHoldHead && s.decision == Hold
	if !(leavingHold || !s.firstBufRendered) || delta >= 0 {
		return Render
	}
	s.holdZeroes = s.frameBytes
	if -delta >= s.frameUs {
		s.log.Debug("early by a frame or more, holding", "delta_us", delta, "frame_us", s.frameUs)
		return Hold
	}
	zeroes := s.format.UsToBytes(-delta)
	if zeroes >= s.frameBytes {
		return Hold
	}
	s.holdZeroes = zeroes
	return Render
}

func (s *State) referenceTime() int64 {
	if s.cfg.Reference == RefWallClock {
		return s.wallClockUs
	}
	return s.expectedSessionClockUs
}

func (s *State) calcSessionStartTime(in Input) {
	ts := in.TimestampUs
	if !in.TSValid {
		ts = 0
	}
	var start int64
	switch s.cfg.Mode {
	case ModeAbsolute, ModeDelayed:
		start = s.cfg.StartTimeUs - s.dsDelayUs
	case ModeImmediate:
		if s.cfg.Reference == RefWallClock {
			start = s.wallClockUs + s.dsDelayUs - ts
		} else {
			start = s.wallClockUs
		}
	}
	s.calcStartTimeUs = max(start, 0)
	s.log.Debug("session start time", "start_us", s.calcStartTimeUs, "wall_us", s.wallClockUs)
}

func (s *State) initSessionTime(in Input) {
	ts := in.TimestampUs
	if !in.TSValid || s.cfg.Reference == RefWallClock {
		ts = 0
	}
	s.baseTimestampUs = ts
	s.tsValid = in.TSValid
	s.expectedSessionClockUs = ts
}

// UpdateInputInfo records the timestamp of the last buffer written to the
// ring buffer.
func (s *State) UpdateInputInfo(tsUs int64, valid bool) {
	s.procTimestampUs = tsUs
	s.tsValid = valid
}

// UpdateOutputInfo advances the session clock by the bytes delivered on
// the primary output port. Erasure output only advances it when
// timestamps are valid. A pending DFG takes effect once data has gone out.
func (s *State) UpdateOutputInfo(erasure bool, bytesFilled int) {
	if bytesFilled <= 0 || (erasure && !s.tsValid) {
		return
	}
	s.updateSessionClock(bytesFilled)
	if s.pendingDFG {
		s.dfg = true
		s.pendingDFG = false
	}
}

// SetDFG marks a data flow gap as active now.
func (s *State) SetDFG(v bool) { s.dfg = v }

// SetDFGPending marks a data flow gap that applies after the current data.
func (s *State) SetDFGPending(v bool) { s.pendingDFG = v }

// IsDFG reports whether a data flow gap is active.
func (s *State) IsDFG() bool { return s.dfg }

// LastDecision returns the decision of the most recent cycle.
func (s *State) LastDecision() Decision { return s.decision }

// SetDecision overrides the cached decision (Invalid when no input was
// processed in a cycle).
func (s *State) SetDecision(d Decision) { s.decision = d }

// MarkFirstRendered is used by the pass-through path which bypasses Decide.
func (s *State) MarkFirstRendered() {
	s.firstBufRcvd = true
	s.firstBufRendered = true
	s.decision = Render
}

// FirstRendered reports whether the session has rendered its first buffer.
func (s *State) FirstRendered() bool { return s.firstBufRendered }

// HoldZeroes returns the per-channel bytes of silence to prefix the next
// output with.
func (s *State) HoldZeroes() int { return s.holdZeroes }

// ClearHoldZeroes is called after every output pass.
func (s *State) ClearHoldZeroes() { s.holdZeroes = 0 }

// AbsRenderDeltaUs returns |render delta| of the last decision.
func (s *State) AbsRenderDeltaUs() int64 { return s.absRenderDeltaUs }

// SetWallClock snapshots the wall clock outside of BeginCycle.
func (s *State) SetWallClock(nowUs int64) { s.wallClockUs = nowUs }

// SessionTime returns a snapshot of the session clocks.
func (s *State) SessionTime() SessionTime {
	return SessionTime{
		SessionClockUs:  s.sessionClockUs,
		ExpectedClockUs: s.expectedSessionClockUs,
		AbsoluteTimeUs:  s.absoluteTimeUs,
		TimestampUs:     s.procTimestampUs,
		TSValid:         s.tsValid,
		StartTimeUs:     s.calcStartTimeUs,
	}
}

// ResetSession clears all session state on input port stop. The speed
// factor survives; scaled sample counts do not.
func (s *State) ResetSession() {
	speed := s.tsm.speedFactor
	*s = State{
		log:        s.log,
		cfg:        s.cfg,
		format:     s.format,
		frameUs:    s.frameUs,
		frameBytes: s.frameBytes,
		dsDelayUs:  s.dsDelayUs,
		tsm:        tsmInfo{speedFactor: speed},
	}
	s.log.Debug("session reset")
}

// ResetGapless restarts the session clock for a gapless transition. The
// first-buffer flags are kept so rendering continues without a new start.
func (s *State) ResetGapless() {
	s.baseTimestampUs = 0
	s.expectedSessionClockUs = 0
	s.tsValid = false
	s.procTimestampUs = 0
	s.sessionClockUs = 0
	s.elapsedSamples = 0
	s.elapsedExpectedSamples = 0
	s.tsm.samples = 0
	s.tsm.remainder = 0
	s.log.Debug("session reset for gapless")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
