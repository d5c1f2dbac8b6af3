// Package spr is the splitter-renderer engine. One input stream is gated
// against a render window, buffered in a ring buffer and delivered to up
// to MaxOutputPorts output ports per process cycle, either paced by a
// drift-corrected timer or triggered by input arrival.
//
// An Engine is owned by one goroutine (see Loop); none of its methods are
// safe for concurrent use. Path delay counters and drift handles are the
// only state shared with other goroutines.
package spr

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/drift"
	"github.com/zsiec/sprd/internal/holdq"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/metadata"
	"github.com/zsiec/sprd/internal/pcm"
	"github.com/zsiec/sprd/internal/ringbuf"
	"github.com/zsiec/sprd/internal/timer"
)

// Engine defaults.
const (
	DefaultMaxOutputPorts = 2
	DefaultRingUs         = 100_000
)

// Config holds the static engine configuration.
type Config struct {
	MaxOutputPorts int
	// FrameUs is the output frame duration. Each cycle fills one frame per
	// started output port.
	FrameUs int64
	// RingUs is the ring buffer capacity. It is raised to at least two
	// frames.
	RingUs int64
	// InPlace allows the pass-through path for untimed input in immediate
	// mode.
	InPlace bool
	// DutyCycling lets the container run the engine without a timer when
	// nothing depends on steady output.
	DutyCycling bool
}

// DefaultConfig returns a two-output, 5 ms frame configuration.
func DefaultConfig() Config {
	return Config{
		MaxOutputPorts: DefaultMaxOutputPorts,
		FrameUs:        timer.DefaultFrameUs,
		RingUs:         DefaultRingUs,
	}
}

func (c *Config) normalize() error {
	if c.MaxOutputPorts <= 0 {
		return fmt.Errorf("%w: max output ports %d", ErrBadParam, c.MaxOutputPorts)
	}
	if c.FrameUs <= 0 {
		c.FrameUs = timer.DefaultFrameUs
	}
	if c.RingUs <= 0 {
		c.RingUs = DefaultRingUs
	}
	c.RingUs = max(c.RingUs, 2*c.FrameUs)
	return nil
}

// Engine is one splitter-renderer instance.
type Engine struct {
	log     *slog.Logger
	baseLog *slog.Logger
	cfg     Config
	clock   timer.Clock

	format     pcm.MediaFormat
	formatSet  bool
	frameBytes int
	onFormat   func(pcm.MediaFormat)

	in         inputPort
	outs       []*outputPort
	outIndex   map[uint32]int
	primary    int
	startedIn  int
	startedOut int

	ring   *ringbuf.Buffer
	sync   *avsync.State
	budget *holdq.Budget
	hold   *holdq.HoldQueue
	mfq    *holdq.FormatQueue
	md     *metadata.Propagator

	sched     *timer.Scheduler
	wakeUs    int64
	outDrift  *drift.Handle
	allowNoTS bool

	timerDisabled bool
	trigger       TriggerPolicy
	lastTrigger   Trigger

	firstBufRcvd   bool
	simpleProcess  bool
	inputAtGap     bool
	insertEOS      bool
	hasFlushingEOS bool
	dropping       bool

	underrun    UnderrunListener
	underrunLog underrunLog

	stats engineStats
}

// New creates an Engine. handler manages metadata lifetime; if log is nil,
// slog.Default() is used. The timer runs until duty cycling disables it.
func New(cfg Config, handler metadata.Handler, log *slog.Logger) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	md, err := metadata.NewPropagator(handler, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}
	budget := holdq.NewBudget(0)
	e := &Engine{
		log:      log.With("component", "spr"),
		baseLog:  log,
		cfg:      cfg,
		clock:    timer.WallClock,
		outs:     make([]*outputPort, cfg.MaxOutputPorts),
		outIndex: make(map[uint32]int),
		primary:  -1,
		budget:   budget,
		hold:     holdq.NewHoldQueue(budget, md, log),
		mfq:      holdq.NewFormatQueue(budget, md, log),
		md:       md,
		outDrift: drift.NewHandle(),
	}
	e.updateTimer()
	return e, nil
}

// SetClock replaces the wall clock. It must be called before the first
// port operation.
func (e *Engine) SetClock(c timer.Clock) {
	if c == nil {
		c = timer.WallClock
	}
	e.clock = c
	e.restartTimer()
}

// SetTriggerPolicy registers the container callback for trigger changes.
func (e *Engine) SetTriggerPolicy(tp TriggerPolicy) {
	e.trigger = tp
	if tp != nil {
		tp.SetTrigger(e.lastTrigger)
	}
}

// SetUnderrunListener registers or, with nil, removes the underrun client.
func (e *Engine) SetUnderrunListener(l UnderrunListener) {
	e.underrun = l
	e.checkTimerDisable()
}

// SetFormatListener registers a callback for output media format changes.
func (e *Engine) SetFormatListener(fn func(pcm.MediaFormat)) { e.onFormat = fn }

// SetAllowNonTimestampHonor records whether the client accepts output that
// is not paced to timestamps, a precondition for running without a timer.
func (e *Engine) SetAllowNonTimestampHonor(v bool) {
	e.allowNoTS = v
	e.checkTimerDisable()
}

// EnableSync creates the render decision state with cfg, or updates it if
// sync is already enabled. Once the input is started only the render
// window may change.
func (e *Engine) EnableSync(cfg avsync.Config) error {
	if e.sync != nil {
		if err := e.sync.SetConfig(cfg, e.in.state == PortStarted); err != nil {
			return fmt.Errorf("%w: %w", ErrBadParam, err)
		}
	} else {
		s, err := avsync.New(cfg, e.baseLog)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadParam, err)
		}
		e.sync = s
		if e.formatSet {
			e.sync.SetFormat(e.format, e.cfg.FrameUs)
		}
	}
	e.budget.SetCapacity(e.sync.Config().HoldDurationUs)
	e.checkTimerDisable()
	return nil
}

// DisableSync destroys the render decision state. Held data is dropped.
func (e *Engine) DisableSync() {
	if e.sync == nil {
		return
	}
	e.hold.Drain()
	e.sync = nil
	e.budget.SetCapacity(0)
	e.log.Info("sync disabled")
	e.checkTimerDisable()
}

// SyncEnabled reports whether render decisions are made.
func (e *Engine) SyncEnabled() bool { return e.sync != nil }

// SessionTime returns the session clocks, or false without sync.
func (e *Engine) SessionTime() (avsync.SessionTime, bool) {
	if e.sync == nil {
		return avsync.SessionTime{}, false
	}
	return e.sync.SessionTime(), true
}

// SetPathDelay attaches the downstream delay of the output port id. A
// port already carrying a path delay is rejected with ErrFailed.
func (e *Engine) SetPathDelay(id uint32, pd *PathDelay) error {
	if pd == nil {
		return fmt.Errorf("%w: nil path delay", ErrBadParam)
	}
	p, err := e.portByID(id)
	if err != nil {
		return err
	}
	if p.pathDelay != nil {
		return fmt.Errorf("%w: path %d already set up on port %d", ErrFailed, p.pathDelay.PathID, id)
	}
	p.pathDelay = pd
	e.log.Info("path delay set", "port", id, "path", pd.PathID, "delay_us", pd.Aggregate())
	return nil
}

// ClearPathDelay detaches the path delay of port id.
func (e *Engine) ClearPathDelay(id uint32) error {
	p, err := e.portByID(id)
	if err != nil {
		return err
	}
	p.pathDelay = nil
	return nil
}

// SetPeerDrift attaches the drift handle reported by the module connected
// to output port id. Only the primary port's peer steers the timer.
func (e *Engine) SetPeerDrift(id uint32, h *drift.Handle) error {
	p, err := e.portByID(id)
	if err != nil {
		return err
	}
	p.peerDrift = h
	if e.sched != nil && p.index == e.primary {
		e.sched.SetPeer(h)
	}
	return nil
}

// SetDownstreamRealTime records whether the consumer of port id is real
// time. A real-time consumer needs steady timer-paced output.
func (e *Engine) SetDownstreamRealTime(id uint32, rt bool) error {
	p, err := e.portByID(id)
	if err != nil {
		return err
	}
	p.downstreamRT = rt
	e.checkTimerDisable()
	return nil
}

// OutputDrift returns the handle the engine publishes its corrected timer
// drift on for downstream peers.
func (e *Engine) OutputDrift() *drift.Handle { return e.outDrift }

// Format returns the operating media format.
func (e *Engine) Format() (pcm.MediaFormat, bool) { return e.format, e.formatSet }

// FrameBytes returns the per-channel bytes of one output frame, or zero
// before a format is set.
func (e *Engine) FrameBytes() int { return e.frameBytes }

// FrameUs returns the configured frame duration.
func (e *Engine) FrameUs() int64 { return e.cfg.FrameUs }

// TimerEnabled reports whether process cycles are paced by the timer.
func (e *Engine) TimerEnabled() bool { return e.sched != nil }

// Wake returns the next absolute wake time while the timer is enabled.
func (e *Engine) Wake() (int64, bool) {
	if e.sched == nil {
		return 0, false
	}
	return e.wakeUs, true
}

// resetInput clears the session on input stop: first buffer flags, the
// hold queue and cached formats. The newest cached format is applied.
func (e *Engine) resetInput() {
	e.firstBufRcvd = false
	e.simpleProcess = false
	e.inputAtGap = false
	e.insertEOS = false
	if e.sync != nil {
		e.sync.ResetSession()
	}
	e.hold.Drain()
	if f, ok := e.mfq.Destroy(); ok {
		if err := e.applyFormat(f); err != nil {
			e.log.Error("applying cached format on stop", "format", f, "error", err)
		}
	}
	e.setDropping(false)
}

// NewOutputs allocates one empty output frame per output port index, or
// nil before a format is set.
func (e *Engine) NewOutputs() []*media.Stream {
	if !e.formatSet {
		return nil
	}
	outs := make([]*media.Stream, len(e.outs))
	for i := range outs {
		chans := pcm.MakeChannels(e.format.NumChannels, e.frameBytes)
		for ch := range chans {
			chans[ch] = chans[ch][:0]
		}
		outs[i] = &media.Stream{Data: chans}
	}
	return outs
}

// Drained reports whether no input data is buffered anywhere in the
// engine.
func (e *Engine) Drained() bool {
	return !e.readersHaveData() && !e.hold.Exists() && !e.mfq.Pending()
}
