// Package timer computes the absolute wake times that drive timer-mode
// rendering and arms a one-shot timer for them.
//
// Wake times are derived from the session start, a frame counter and the
// sample rate, so rounding never accumulates. Drift reported by the peer
// on the primary output is corrected a little per frame rather than all at
// once, and a wake time that is already in the past is skipped forward a
// whole frame at a time.
package timer

import (
	"log/slog"
	"time"

	"github.com/zsiec/sprd/internal/drift"
)

// MaxCorrPerMsUs is the largest drift correction applied per millisecond
// of frame duration.
const MaxCorrPerMsUs = 50

// DefaultFrameUs is the frame duration used when none is configured.
const DefaultFrameUs = 5000

// Clock returns the current wall-clock time in microseconds.
type Clock func() int64

// WallClock reads the system clock.
func WallClock() int64 {
	return time.Now().UnixMicro()
}

// Scheduler tracks the frame counter and drift state between ticks. It is
// owned by the render loop and is not safe for concurrent use; only the
// drift handles it reads and writes are shared.
type Scheduler struct {
	log *slog.Logger

	frameUs    int64
	sampleRate int
	integSrUs  uint64

	counter uint64
	startUs int64
	wakeUs  int64

	peer           *drift.Handle
	peerDriftUs    int64
	pendingDriftUs int64
	accDriftUs     int64
	out            *drift.Handle

	skipped uint64
}

// NewScheduler creates a Scheduler for frames of frameUs. A non-positive
// frameUs selects DefaultFrameUs. If log is nil, slog.Default() is used.
func NewScheduler(frameUs int64, log *slog.Logger) *Scheduler {
	if frameUs <= 0 {
		frameUs = DefaultFrameUs
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log.With("component", "timer"),
		frameUs: frameUs,
		counter: 1,
		out:     drift.NewHandle(),
	}
}

// FrameUs returns the nominal frame duration.
func (s *Scheduler) FrameUs() int64 { return s.frameUs }

// SetFormat switches to sample-rate exact frame arithmetic. The frame
// length is rounded down to whole samples per millisecond, so a 2100 us
// frame at 48 kHz is scheduled as 2083 us worth of samples.
func (s *Scheduler) SetFormat(sampleRate int) {
	s.sampleRate = sampleRate
	if sampleRate <= 0 {
		s.integSrUs = 0
		return
	}
	s.integSrUs = 1_000_000 * uint64((int64(sampleRate/1000)*s.frameUs)/1000)
}

// SetPeer attaches the drift handle of the module downstream of the
// primary output. nil detaches it.
func (s *Scheduler) SetPeer(h *drift.Handle) {
	s.peer = h
	if h != nil {
		s.peerDriftUs = h.Read().AccDriftUs
	}
}

// Output returns the handle the scheduler publishes its corrected drift on.
func (s *Scheduler) Output() *drift.Handle { return s.out }

// SetOutput replaces the publication handle so it can outlive the
// scheduler.
func (s *Scheduler) SetOutput(h *drift.Handle) {
	if h != nil {
		s.out = h
	}
}

// Start resets the frame counter and anchors the schedule at nowUs.
func (s *Scheduler) Start(nowUs int64) {
	s.counter = 1
	s.startUs = nowUs
	s.wakeUs = nowUs
	s.log.Info("timer started", "start_us", nowUs, "frame_us", s.frameUs)
}

// Next computes the next absolute wake time. Frames whose wake time has
// already passed at nowUs are skipped.
func (s *Scheduler) Next(nowUs int64) int64 {
	s.pendingDriftUs += s.instantaneousDrift()

	adj := s.correction()
	s.pendingDriftUs -= adj
	s.accDriftUs += adj

	s.wakeUs = s.advance()
	if adj != 0 {
		s.log.Debug("drift corrected", "adj_us", adj, "pending_us", s.pendingDriftUs,
			"acc_us", s.accDriftUs, "wake_us", s.wakeUs)
	}

	if s.wakeUs < nowUs {
		s.log.Warn("timer signal missed", "wake_us", s.wakeUs, "now_us", nowUs)
		before := s.counter
		n := uint64(0)
		for s.wakeUs < nowUs {
			s.wakeUs = s.advance()
			n++
			s.log.Debug("skipped frame", "counter", s.counter, "wake_us", s.wakeUs)
		}
		s.skipped += n
		s.log.Info("caught up after missed signal", "frames", n,
			"counter_before", before, "counter", s.counter, "wake_us", s.wakeUs)
	}

	s.out.Write(drift.Info{AccDriftUs: s.accDriftUs, TimestampUs: s.wakeUs})
	return s.wakeUs
}

// advance moves one frame forward and returns the resulting wake time.
func (s *Scheduler) advance() int64 {
	var frame int64
	if s.sampleRate <= 0 {
		s.startUs += s.frameUs
	} else {
		frame = int64(s.integSrUs * s.counter / uint64(s.sampleRate))
		s.counter++
	}
	return s.startUs + frame + s.accDriftUs
}

func (s *Scheduler) instantaneousDrift() int64 {
	if s.peer == nil {
		return 0
	}
	if s.peer.TakeResync() {
		s.peerDriftUs = s.peer.Read().AccDriftUs
		s.log.Debug("drift resynced", "peer_us", s.peerDriftUs)
	}
	prev := s.peerDriftUs
	s.peerDriftUs = s.peer.Read().AccDriftUs
	if s.counter <= 1 {
		return 0
	}
	return s.peerDriftUs - prev
}

// correction returns the part of the pending drift applied this frame:
// at most MaxCorrPerMsUs per millisecond of frame (never less than
// MaxCorrPerMsUs) and never more than what is pending.
func (s *Scheduler) correction() int64 {
	limit := max(MaxCorrPerMsUs*s.frameUs/1000, MaxCorrPerMsUs)
	switch {
	case s.pendingDriftUs >= MaxCorrPerMsUs:
		return min(limit, s.pendingDriftUs)
	case s.pendingDriftUs <= -MaxCorrPerMsUs:
		return max(-limit, s.pendingDriftUs)
	}
	return 0
}

// PendingDriftUs returns the drift not yet corrected.
func (s *Scheduler) PendingDriftUs() int64 { return s.pendingDriftUs }

// AccDriftUs returns the drift corrected so far.
func (s *Scheduler) AccDriftUs() int64 { return s.accDriftUs }

// Skipped returns the number of frames skipped after missed signals.
func (s *Scheduler) Skipped() uint64 { return s.skipped }

// Counter returns the frame counter.
func (s *Scheduler) Counter() uint64 { return s.counter }
