package spr

import (
	"errors"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/ringbuf"
)

// Report describes one process cycle.
type Report struct {
	// Consumed is false when the caller must offer the same input again.
	// A partially consumed input has been trimmed to its remainder.
	Consumed bool
	// Decision is the render decision for the buffer processed this
	// cycle, Invalid when none was.
	Decision avsync.Decision
	// Underrun is set when any output was zero filled.
	Underrun bool
	// FormatChanged is set when a cached media format was applied. No
	// input or output is processed in that cycle.
	FormatChanged bool
}

// Process runs one cycle. in may be nil when no input is available. outs
// is indexed by output port index; nil entries have no buffer this cycle.
// Each output's channel slices are filled from their current length up to
// one frame or their capacity, whichever is smaller.
//
// An input that splits a sample is dropped with its metadata and the cycle
// runs without input; the returned error wraps ErrBadParam.
func (e *Engine) Process(in *media.Stream, outs []*media.Stream) (Report, error) {
	var rejected error
	if in != nil && e.formatSet {
		if rejected = e.checkAlignment(in); rejected != nil {
			e.log.Warn("input dropped", "ts_us", in.Timestamp, "error", rejected)
			e.md.DropAll(in)
			e.stats.dropped.Add(1)
			in = nil
		}
	}
	rep, err := e.runCycle(in, outs)
	if err != nil {
		return rep, err
	}
	return rep, rejected
}

func (e *Engine) runCycle(in *media.Stream, outs []*media.Stream) (Report, error) {
	rep := Report{Consumed: true}
	e.hasFlushingEOS = false
	e.stats.cycles.Add(1)

	if !e.formatSet {
		e.nextWake()
		rep.Consumed = in == nil
		e.log.Debug("process without input format")
		return rep, nil
	}
	if e.hasOutput(outs) {
		e.nextWake()
	}

	if in != nil && !e.firstBufRcvd {
		if !shouldProcess(in) {
			e.simpleOutput(nil, outs, &rep)
			return rep, nil
		}
		e.firstBufRcvd = true
		e.simpleProcess = e.cfg.InPlace && e.renderMode() == avsync.ModeImmediate && !in.Flags.TSValid
		e.log.Info("first input buffer", "ts_us", in.Timestamp, "ts_valid", in.Flags.TSValid,
			"simple", e.simpleProcess)
	}

	tsValid := in != nil && in.Flags.TSValid
	if e.simpleProcess && !tsValid {
		return e.processSimple(in, outs)
	}
	if e.simpleProcess {
		e.log.Info("leaving pass-through, input timestamps became valid")
		e.simpleProcess = false
	}

	if e.mfq.Pending() {
		changed, err := e.applyCachedFormat()
		if err != nil {
			return rep, err
		}
		if changed {
			rep.Consumed = in == nil
			rep.FormatChanged = true
			return rep, nil
		}
	}

	cur := e.setupInput(in)
	decision := avsync.Invalid
	deferred := false
	if cur != nil {
		e.absorbControl(cur)
		decision = e.decide(cur)
		deferred = e.processInput(cur, outs, decision)
	}
	if e.sync != nil {
		e.sync.SetDecision(decision)
	}
	rep.Decision = decision
	if deferred && cur == in {
		rep.Consumed = false
	}

	if e.hasOutput(outs) {
		e.processOutput(cur, outs, &rep)
	}
	if !deferred {
		e.removeProcessed(cur, decision)
	}
	return rep, nil
}

// shouldProcess reports whether in carries metadata or samples. Erasure
// without metadata is skipped.
func shouldProcess(in *media.Stream) bool {
	if in == nil {
		return false
	}
	if in.HasMetadata() {
		return true
	}
	return !in.Flags.Erasure && !in.IsEmpty()
}

func (e *Engine) renderMode() avsync.Mode {
	if e.sync == nil {
		return avsync.ModeImmediate
	}
	return e.sync.Config().Mode
}

// setupInput picks the buffer to decide on. Input that arrives while a
// format is pending goes to the format queue; while data is held it goes
// to the hold queue and the hold head is decided on instead.
func (e *Engine) setupInput(in *media.Stream) *media.Stream {
	process := shouldProcess(in)

	if e.mfq.Pending() {
		if process {
			if err := e.mfq.AppendInput(in); err != nil {
				e.log.Warn("input dropped while format pending", "ts_us", in.Timestamp, "error", err)
				e.md.DropAll(in)
				e.stats.dropped.Add(1)
			}
		}
		process = false
		if h := e.mfq.Head(); h.Applied && h.Len() > 0 && !e.hold.Exists() {
			in = e.mfq.HeadNode().Stream
			process = true
		}
	}

	if e.hold.Exists() {
		if process {
			if err := e.hold.Push(in); err != nil {
				e.log.Warn("input not held", "ts_us", in.Timestamp, "error", err)
				e.md.DropAll(in)
				e.stats.dropped.Add(1)
			}
		}
		if h := e.hold.Head(); h != nil {
			return h.Stream
		}
		return nil
	}
	if process {
		return in
	}
	return nil
}

// absorbControl applies session control metadata carried by cur.
func (e *Engine) absorbControl(cur *media.Stream) {
	ctl := e.md.PreScan(cur)
	if e.sync == nil {
		if ctl.ResetSession || ctl.Scale != nil {
			e.log.Debug("sync disabled, session control ignored")
		}
		return
	}
	if ctl.ResetSession {
		e.sync.ResetGapless()
	}
	if ctl.Scale != nil {
		e.sync.SetScale(ctl.Scale.SpeedFactor, ctl.Scale.Offset)
	}
}

func (e *Engine) decide(cur *media.Stream) avsync.Decision {
	if e.sync == nil {
		return avsync.Render
	}
	if p := e.primaryPort(); p != nil {
		e.sync.SetPathDelay(p.pathDelay.Aggregate())
	} else {
		e.log.Warn("render decision without a primary output")
	}
	in := avsync.Input{
		TimestampUs: cur.Timestamp,
		TSValid:     cur.Flags.TSValid,
		Erasure:     cur.Flags.Erasure,
		IsHoldHead:  e.hold.IsHead(cur),
	}
	e.sync.BeginCycle(in, e.clock())
	return e.sync.Decide(in)
}

// processInput acts on the decision for cur. It reports true when a
// render had to wait for output buffers.
func (e *Engine) processInput(cur *media.Stream, outs []*media.Stream, d avsync.Decision) bool {
	e.inputAtGap = false

	switch d {
	case avsync.Render:
		defer e.setDropping(false)
		if !e.hasOutput(outs) {
			return true
		}
		e.propagate(cur, outs)
		if !cur.Flags.Erasure {
			e.writeRing(cur)
			if e.sync != nil {
				e.sync.UpdateInputInfo(cur.Timestamp, cur.Flags.TSValid)
			}
		}
		e.stats.rendered.Add(1)
	case avsync.Drop:
		e.md.DropAll(cur)
		e.stats.dropped.Add(1)
		e.setDropping(true)
	case avsync.Hold:
		e.holdInput(cur)
		e.setDropping(false)
	}
	return false
}

func (e *Engine) holdInput(cur *media.Stream) {
	if !e.sync.HoldConfigured() {
		e.log.Warn("hold buffer not configured, dropping input", "ts_us", cur.Timestamp, "bytes", cur.Len())
		e.md.DropAll(cur)
		e.stats.dropped.Add(1)
		return
	}
	if e.hold.IsHead(cur) {
		return
	}
	e.stats.held.Add(1)
	if e.mfq.IsHead(cur) {
		n := e.mfq.PopHeadNode()
		if err := e.hold.Adopt(n); err != nil {
			e.log.Warn("cached input not held", "ts_us", n.Stream.Timestamp, "error", err)
			e.md.DropAll(n.Stream)
		}
		return
	}
	if err := e.hold.Push(cur); err != nil {
		e.log.Warn("input not held", "ts_us", cur.Timestamp, "error", err)
		e.md.DropAll(cur)
	}
}

// propagate moves cur's metadata to the started outputs and records the
// gap state it implies.
func (e *Engine) propagate(cur *media.Stream, outs []*media.Stream) {
	active := make([]*media.Stream, len(e.outs))
	for i, p := range e.outs {
		if p.started() {
			active[i] = outputAt(outs, i)
		}
	}
	res, err := e.md.Propagate(cur, active)
	if err != nil {
		e.log.Warn("metadata propagation", "error", err)
	}
	if res.FlushingEOS {
		e.hasFlushingEOS = true
	}
	if res.InputAtGap {
		e.inputAtGap = true
	}
	if res.DFG || res.DFGPending {
		if e.timerDisabled {
			e.insertEOS = true
		}
		if e.sync != nil {
			if res.DFG {
				e.sync.SetDFG(true)
			} else {
				e.sync.SetDFGPending(true)
			}
		}
	}
}

func (e *Engine) writeRing(cur *media.Stream) {
	dropped, err := e.ring.Write(cur.Data, cur.Timestamp, cur.Flags.TSValid)
	if err != nil {
		e.log.Error("ring buffer write", "ts_us", cur.Timestamp, "error", err)
		return
	}
	if dropped > 0 {
		e.log.Debug("ring buffer overflow, oldest data dropped", "bytes", dropped,
			"dropped_us", e.format.BytesToUs(dropped))
	}
}

// processOutput fills every output with up to one frame from its reader,
// prefixed by hold zeroes and padded with zeroes on underrun.
func (e *Engine) processOutput(cur *media.Stream, outs []*media.Stream, rep *Report) {
	frameUs := e.format.BytesToUs(e.frameBytes)
	holdZeroes := 0
	if e.sync != nil {
		holdZeroes = e.sync.HoldZeroes()
	}

	for i, p := range e.outs {
		if !p.started() || p.reader == nil {
			continue
		}
		out := outputAt(outs, i)
		if !e.usable(out) {
			continue
		}
		prevLen := out.Len()
		limit := min(cap(out.Data[0]), e.frameBytes)
		erasure := false
		underrun := 0

		ts, tsValid := p.reader.Timestamp()
		if holdZeroes > 0 {
			n := fillZeroes(out, min(prevLen+holdZeroes, limit))
			ts -= e.format.BytesToUs(n)
		}

		if out.Len() < e.frameBytes {
			before := out.Len()
			n, err := p.reader.Read(extend(out, limit))
			trim(out, before+n)
			switch {
			case errors.Is(err, ringbuf.ErrNeedMore):
				if out.Len() == prevLen {
					erasure = true
					ts = p.prevTS + frameUs
					tsValid = p.prevTSValid
				}
				if !e.timerDisabled {
					underrun = fillZeroes(out, limit)
				}
			case err != nil:
				e.log.Error("ring buffer read", "port", p.id, "error", err)
			}
		} else {
			erasure = true
			underrun = out.Len()
		}

		samples := uint32(out.Len() / e.format.BytesPerSample())
		e.md.Finalize(out, e.timerDisabled, e.insertEOS, e.hasFlushingEOS, samples)
		out.Flags.TSValid = tsValid
		out.Flags.Erasure = erasure
		out.Timestamp = ts

		// The session clock only advances on cycles that decided on an input
		// buffer. Ring data drained on an idle cycle leaves both session
		// clocks where they were, so the next buffer is compared against the
		// position of the last decided one.
		if i == e.primary && cur != nil && e.sync != nil {
			e.sync.UpdateOutputInfo(erasure, out.Len()-prevLen)
		}
		p.prevTS, p.prevTSValid = ts, tsValid

		if underrun > 0 {
			rep.Underrun = true
			e.reportUnderrun(p, underrun, ts)
		}
	}

	e.insertEOS = false
	if e.sync != nil {
		e.sync.ClearHoldZeroes()
	}
}

// removeProcessed releases a queued buffer once it has been rendered or
// dropped. A format entry whose last buffer is consumed is removed too.
func (e *Engine) removeProcessed(cur *media.Stream, d avsync.Decision) {
	if cur == nil || d == avsync.Hold {
		return
	}
	switch {
	case e.hold.IsHead(cur):
		e.hold.DiscardHead()
	case e.mfq.IsHead(cur):
		e.mfq.PopHeadNode()
		e.mfq.PopEmptyHead()
	}
}

// processSimple passes untimed input straight through to every output.
func (e *Engine) processSimple(in *media.Stream, outs []*media.Stream) (Report, error) {
	rep := Report{Consumed: true, Decision: avsync.Render}
	if in != nil {
		e.absorbControl(in)
		if e.sync != nil {
			if !in.Flags.Erasure {
				e.sync.SetDFG(false)
			}
			if p := e.primaryPort(); p != nil {
				e.sync.SetPathDelay(p.pathDelay.Aggregate())
			}
			e.sync.MarkFirstRendered()
			e.sync.SetWallClock(e.clock())
			e.sync.UpdateInputInfo(in.Timestamp, in.Flags.TSValid)
		}
		e.inputAtGap = false
		if e.hasOutput(outs) {
			e.propagate(in, outs)
		}
		e.stats.rendered.Add(1)
	}
	e.simpleOutput(in, outs, &rep)
	return rep, nil
}

// simpleOutput copies in to every output. Without input the outputs are
// zero filled as erasure while the timer runs.
func (e *Engine) simpleOutput(in *media.Stream, outs []*media.Stream, rep *Report) {
	hasData := in != nil && in.Len() > 0
	copied := -1

	for i, p := range e.outs {
		if !p.started() || p.reader == nil {
			continue
		}
		out := outputAt(outs, i)
		if !e.usable(out) || out.Len() >= cap(out.Data[0]) {
			continue
		}
		prevLen := out.Len()
		limit := min(cap(out.Data[0]), e.frameBytes)
		erasure := false
		underrun := 0
		var ts int64

		if hasData {
			erasure = in.Flags.Erasure
			ts = in.Timestamp
			copied = max(copied, appendData(out, in.Data))
			if out.Len() < e.frameBytes && !e.timerDisabled {
				fillZeroes(out, limit)
			}
		} else if !e.timerDisabled {
			erasure = true
			fillZeroes(out, limit)
		}
		if erasure && !e.timerDisabled {
			underrun = out.Len()
		}

		samples := uint32(out.Len() / e.format.BytesPerSample())
		e.md.Finalize(out, e.timerDisabled, e.insertEOS, e.hasFlushingEOS, samples)
		out.Flags.TSValid = false
		out.Flags.Erasure = erasure
		out.Timestamp = ts
		p.prevTS, p.prevTSValid = ts, false

		if i == e.primary && hasData && e.sync != nil {
			e.sync.UpdateOutputInfo(erasure, out.Len()-prevLen)
		}
		if underrun > 0 {
			rep.Underrun = true
			e.reportUnderrun(p, underrun, ts)
		}
	}
	e.insertEOS = false

	if hasData && copied >= 0 && copied < in.Len() {
		for ch := range in.Data {
			in.Data[ch] = in.Data[ch][copied:]
		}
		in.Timestamp += e.format.BytesToUs(copied)
		rep.Consumed = false
	}
}

func (e *Engine) hasOutput(outs []*media.Stream) bool {
	for i := range e.outs {
		if e.usable(outputAt(outs, i)) {
			return true
		}
	}
	return false
}

// usable reports whether out has buffers matching the operating format.
func (e *Engine) usable(out *media.Stream) bool {
	if out == nil || len(out.Data) == 0 || cap(out.Data[0]) == 0 {
		return false
	}
	if e.formatSet && len(out.Data) != e.format.NumChannels {
		e.log.Warn("output channel count mismatch", "got", len(out.Data), "want", e.format.NumChannels)
		return false
	}
	return true
}

func outputAt(outs []*media.Stream, i int) *media.Stream {
	if i < len(outs) {
		return outs[i]
	}
	return nil
}

// extend returns views of out's channels between their current length and
// limit.
func extend(out *media.Stream, limit int) [][]byte {
	views := make([][]byte, len(out.Data))
	for ch, d := range out.Data {
		views[ch] = d[len(d):limit]
	}
	return views
}

func trim(out *media.Stream, n int) {
	for ch, d := range out.Data {
		out.Data[ch] = d[:n]
	}
}

// fillZeroes pads every channel with silence up to limit and returns the
// number of bytes added per channel.
func fillZeroes(out *media.Stream, limit int) int {
	n := limit - out.Len()
	if n <= 0 {
		return 0
	}
	for ch, d := range out.Data {
		l := len(d)
		d = d[:limit]
		clear(d[l:])
		out.Data[ch] = d
	}
	return n
}

// appendData copies as much of src as fits after out's current data and
// returns the bytes copied per channel.
func appendData(out *media.Stream, src [][]byte) int {
	n := 0
	for ch, d := range out.Data {
		if ch >= len(src) {
			break
		}
		l := len(d)
		k := copy(d[l:cap(d)], src[ch])
		out.Data[ch] = d[:l+k]
		n = k
	}
	return n
}
