package metadata

import (
	"errors"
	"log/slog"

	"github.com/zsiec/sprd/internal/media"
)

// ErrNoHandler is returned when a Propagator is built without a Handler.
var ErrNoHandler = errors.New("metadata: missing handler")

// Control holds the session control items absorbed by PreScan.
type Control struct {
	ResetSession bool
	Scale        *Scale
}

// Scale is a playback speed change. Samples before Offset in the carrying
// segment use the previous factor.
type Scale struct {
	SpeedFactor uint32
	Offset      uint32
}

// Result summarizes what Propagate saw on the input.
type Result struct {
	// FlushingEOS is set when a flushing EOS was forwarded.
	FlushingEOS bool
	// DFG is set when a data flow gap arrived with no data (apply now).
	DFG bool
	// DFGPending is set when a data flow gap arrived with data (apply once
	// the data has been delivered).
	DFGPending bool
	// InputAtGap is set when EOS or DFG put the input port at gap.
	InputAtGap bool
}

// Propagator moves metadata from the input stream to the output streams.
type Propagator struct {
	log     *slog.Logger
	handler Handler
}

// NewPropagator creates a Propagator. If log is nil, slog.Default() is used.
func NewPropagator(handler Handler, log *slog.Logger) (*Propagator, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if log == nil {
		log = slog.Default()
	}
	return &Propagator{
		log:     log.With("component", "md-propagator"),
		handler: handler,
	}, nil
}

// Handler returns the underlying Handler.
func (p *Propagator) Handler() Handler { return p.handler }

// PreScan absorbs reset-session-time and scale-session-time items from in.
// Absorbed items are destroyed as dropped; all other items stay attached.
func (p *Propagator) PreScan(in *media.Stream) Control {
	var ctl Control
	if !in.HasMetadata() {
		return ctl
	}
	keep := in.Metadata[:0]
	for _, md := range in.Metadata {
		switch md.ID {
		case media.MetadataResetSessionTime:
			ctl.ResetSession = true
			p.log.Debug("absorbed reset session time")
			p.handler.Destroy(md, true)
		case media.MetadataScaleSessionTime:
			ctl.Scale = &Scale{SpeedFactor: md.SpeedFactor, Offset: md.Offset}
			p.log.Debug("absorbed scale session time", "speed_factor", md.SpeedFactor, "offset", md.Offset)
			p.handler.Destroy(md, true)
		default:
			keep = append(keep, md)
		}
	}
	clear(in.Metadata[len(keep):])
	in.Metadata = keep
	return ctl
}

// Propagate moves every item on in to outs. nil entries in outs are
// inactive ports. The first active port receives the original item and
// the rest receive clones; with no active port the item is dropped. DFG
// items are absorbed. The input list and marker are cleared on return.
func (p *Propagator) Propagate(in *media.Stream, outs []*media.Stream) (Result, error) {
	var res Result
	var firstErr error

	for _, md := range in.TakeMetadata() {
		switch md.ID {
		case media.MetadataEOS:
			if md.EOS.Flushing {
				res.FlushingEOS = true
				res.InputAtGap = true
				p.log.Debug("flushing eos, input at gap")
			}
		case media.MetadataDFG:
			if in.Flags.Erasure || in.IsEmpty() {
				res.DFG = true
			} else {
				res.DFGPending = true
			}
			res.InputAtGap = true
			p.log.Debug("dfg absorbed", "erasure", in.Flags.Erasure, "len", in.Len())
			p.handler.Destroy(md, true)
			continue
		}

		active := 0
		for _, out := range outs {
			if out == nil {
				continue
			}
			active++
			if md.IsFlushingEOS() {
				out.Flags.MarkerEOS = true
			}
			if active == 1 {
				out.Metadata = append(out.Metadata, md)
				continue
			}
			c, err := p.handler.Clone(md)
			if err != nil {
				p.log.Warn("metadata clone failed", "id", md.ID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			out.Metadata = append(out.Metadata, c)
		}
		if active == 0 {
			p.handler.Destroy(md, true)
		}
	}

	in.Flags.MarkerEOS = false
	return res, firstErr
}

// DropAll destroys every item on in as dropped.
func (p *Propagator) DropAll(in *media.Stream) {
	for _, md := range in.TakeMetadata() {
		if md.ID == media.MetadataEOS {
			p.log.Warn("dropping eos metadata")
		}
		p.handler.Destroy(md, true)
	}
}

// Finalize rewrites an output stream's metadata before delivery.
//
// When the timer is disabled the renderer does not pad with zeroes, so a
// gap must be visible downstream: if insertEOS is set an internal flushing
// EOS is appended at the end of the data, and a flushing EOS seen on the
// input is carried on the marker. Otherwise the data flow continues and
// end-of-stream items are downgraded through the Handler.
func (p *Propagator) Finalize(out *media.Stream, timerDisabled, insertEOS, carryFlushing bool, sampleOffset uint32) {
	if timerDisabled {
		if insertEOS {
			out.Metadata = append(out.Metadata, &media.Metadata{
				ID:     media.MetadataEOS,
				Offset: sampleOffset,
				EOS:    media.EOS{Flushing: true, Internal: true},
			})
			out.Flags.MarkerEOS = true
		}
		out.Flags.MarkerEOS = out.Flags.MarkerEOS || carryFlushing
		return
	}
	if len(out.Metadata) > 0 {
		out.Metadata = p.handler.ModifyAtDataFlowStart(out.Metadata)
	}
	out.Flags.MarkerEOS = false
}
