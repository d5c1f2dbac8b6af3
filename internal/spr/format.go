package spr

import (
	"fmt"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
	"github.com/zsiec/sprd/internal/ringbuf"
)

// SetInputFormat handles a media format on the input port. It is applied
// at once when no hold buffer is configured or nothing is buffered;
// otherwise it is cached and applied after the older data has drained,
// so arrival order is kept across the change.
func (e *Engine) SetInputFormat(f pcm.MediaFormat) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	if !e.mfq.Pending() && e.canReinit() {
		return e.applyFormat(f)
	}
	e.mfq.Cache(f)
	return nil
}

// checkAlignment reports an input whose channels do not hold a whole
// number of samples of the newest input format.
func (e *Engine) checkAlignment(in *media.Stream) error {
	f := e.format
	if t := e.mfq.Tail(); t != nil {
		f = t.Format
	}
	bps := f.BytesPerSample()
	if bps == 0 {
		return nil
	}
	for ch, d := range in.Data {
		if len(d)%bps != 0 {
			return fmt.Errorf("%w: channel %d has %d bytes, not a multiple of %d", ErrBadParam, ch, len(d), bps)
		}
	}
	return nil
}

// canReinit reports whether switching formats now loses no data worth
// keeping.
func (e *Engine) canReinit() bool {
	if !e.sync.HoldConfigured() {
		return true
	}
	return !e.readersHaveData() && !e.hold.Exists() && !e.mfq.OldDataPending()
}

func (e *Engine) readersHaveData() bool {
	for _, p := range e.outs {
		if p.started() && p.reader.Unread() > 0 {
			return true
		}
	}
	return false
}

// applyCachedFormat switches to the oldest cached format once the data
// ahead of it has drained. It reports whether the format changed.
func (e *Engine) applyCachedFormat() (bool, error) {
	e.mfq.PopEmptyHead()
	h := e.mfq.Head()
	if h == nil || h.Applied || !e.canReinit() {
		return false, nil
	}
	if err := e.applyFormat(h.Format); err != nil {
		return false, err
	}
	h.Applied = true
	return true, nil
}

// applyFormat makes f the operating format: the ring buffer and every
// reader are recreated and the frame size recomputed.
func (e *Engine) applyFormat(f pcm.MediaFormat) error {
	ring, err := ringbuf.New(f, e.cfg.RingUs)
	if err != nil {
		return fmt.Errorf("%w: ring buffer for %s: %w", ErrNoMemory, f, err)
	}
	prev := e.format
	e.ring = ring
	e.format = f
	e.formatSet = true
	e.frameBytes = f.FrameBytesPerChannel(e.cfg.FrameUs)

	for _, p := range e.outs {
		if p == nil {
			continue
		}
		p.reader = nil
		if p.state == PortStarted || p.state == PortSuspended {
			e.setupReader(p)
		}
	}
	if e.sync != nil {
		e.sync.SetFormat(f, e.cfg.FrameUs)
	}
	e.hold.SetFormat(f)
	if e.sched != nil {
		e.sched.SetFormat(f.SampleRate)
		e.sched.Start(e.wakeUs)
	}

	e.stats.formatChanges.Add(1)
	e.log.Info("media format applied", "from", prev, "to", f, "frame_bytes", e.frameBytes,
		"ring_bytes", ring.Capacity())
	if e.onFormat != nil {
		e.onFormat(f)
	}
	return nil
}
