// Package pipeline runs one published stream: it decodes the publisher's
// bytes into segments and control changes and drives a splitter-renderer
// loop that writes its output ports to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/drift"
	"github.com/zsiec/sprd/internal/ingest"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/metadata"
	"github.com/zsiec/sprd/internal/pcm"
	"github.com/zsiec/sprd/internal/spr"
	"github.com/zsiec/sprd/internal/wire"
)

// Port ids. The input is always inputPortID; output index i has id
// outputPortBase+i.
const (
	inputPortID    = 1
	outputPortBase = 10
)

// Sink is the output side of a pipeline. SetFormat is called on the loop
// goroutine before the first output of each format.
type Sink interface {
	spr.Sink
	SetFormat(f pcm.MediaFormat)
	Close() error
}

// Config configures one pipeline.
type Config struct {
	Engine spr.Config
	// Outputs is the number of output ports opened and started, at most
	// Engine.MaxOutputPorts.
	Outputs int
	// Sync, when set, enables render decisions from the start. Framed
	// publishers may replace it with a RENDER_CONFIG message.
	Sync *avsync.Config
	// PathDelayUs is the downstream delay reported for every output port.
	PathDelayUs int64
	// RealTime marks the outputs as real-time consumers, which keeps the
	// engine timer paced.
	RealTime bool
	// AllowNonTimestampHonor lets the engine drop its timer when nothing
	// needs paced output.
	AllowNonTimestampHonor bool
	// ReportUnderruns registers an underrun listener. A listener keeps the
	// engine timer paced.
	ReportUnderruns bool
}

// Snapshot is a point-in-time view of a pipeline for the stats API.
type Snapshot struct {
	Key       string         `json:"key"`
	Format    string         `json:"format"`
	UptimeMs  int64          `json:"uptimeMs"`
	Messages  int64          `json:"messages"`
	Segments  int64          `json:"segments"`
	Resyncs   int64          `json:"resyncs"`
	Skipped   int64          `json:"skipped"`
	Underruns int64          `json:"underruns"`
	Engine    spr.Stats      `json:"engine"`
	Metadata  metadata.Stats `json:"metadata"`

	// OutputDrift is the corrected timer drift the engine publishes for
	// downstream peers.
	OutputDrift drift.Info `json:"outputDrift"`
}

// Pipeline bridges one publisher and one spr.Loop.
type Pipeline struct {
	log       *slog.Logger
	src       ingest.Source
	input     io.Reader
	sink      Sink
	cfg       Config
	startTime time.Time

	tracker  *metadata.Tracker
	eng      *spr.Engine
	loop     *spr.Loop
	segs     chan *media.Stream
	peers    []*drift.Handle
	outDrift *drift.Handle
	delay    atomic.Int64

	messages  atomic.Int64
	segments  atomic.Int64
	resyncs   atomic.Int64
	skipped   atomic.Int64
	underruns atomic.Int64
}

// New builds the engine for src, opens and starts its ports and returns a
// pipeline ready to Run. If log is nil, slog.Default() is used.
func New(src ingest.Source, input io.Reader, sink Sink, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Outputs <= 0 {
		cfg.Outputs = 1
	}
	if cfg.Engine.MaxOutputPorts == 0 {
		cfg.Engine.MaxOutputPorts = spr.DefaultMaxOutputPorts
	}
	if cfg.Outputs > cfg.Engine.MaxOutputPorts {
		return nil, fmt.Errorf("%w: %d outputs, max %d", spr.ErrBadParam, cfg.Outputs, cfg.Engine.MaxOutputPorts)
	}

	log = log.With("stream", src.Key)
	p := &Pipeline{
		log:       log,
		src:       src,
		input:     input,
		sink:      sink,
		cfg:       cfg,
		startTime: time.Now(),
		tracker:   metadata.NewTracker(log),
		segs:      make(chan *media.Stream, media.StreamBufferSize),
	}
	p.delay.Store(cfg.PathDelayUs)

	eng, err := spr.New(cfg.Engine, p.tracker, log)
	if err != nil {
		return nil, err
	}
	p.eng = eng
	p.outDrift = eng.OutputDrift()
	if err := p.setupEngine(); err != nil {
		return nil, err
	}
	p.loop = spr.NewLoop(eng, p.segs, releasingSink{Sink: sink, h: p.tracker}, log)
	return p, nil
}

func (p *Pipeline) setupEngine() error {
	eng := p.eng
	eng.SetFormatListener(p.sink.SetFormat)
	eng.SetAllowNonTimestampHonor(p.cfg.AllowNonTimestampHonor)
	if p.cfg.ReportUnderruns {
		eng.SetUnderrunListener(spr.UnderrunFunc(func(ev spr.UnderrunEvent) {
			p.underruns.Add(1)
			p.log.Debug("underrun", "port", ev.PortID, "reason", ev.Reason, "zero_bytes", ev.ZeroBytes)
		}))
	}
	if p.cfg.Sync != nil {
		if err := eng.EnableSync(*p.cfg.Sync); err != nil {
			return err
		}
	}

	in := []spr.PortMap{{ID: inputPortID}}
	outs := make([]spr.PortMap, p.cfg.Outputs)
	for i := range outs {
		outs[i] = spr.PortMap{ID: uint32(outputPortBase + i), Index: i}
	}
	for _, op := range []spr.PortOp{
		{Opcode: spr.OpOpen, Input: true, Ports: in},
		{Opcode: spr.OpOpen, Ports: outs},
		{Opcode: spr.OpStart, Ports: outs},
		{Opcode: spr.OpStart, Input: true, Ports: in},
	} {
		if err := eng.PortOp(op); err != nil {
			return err
		}
	}

	for _, pm := range outs {
		peer := drift.NewHandle()
		p.peers = append(p.peers, peer)
		if err := eng.SetPeerDrift(pm.ID, peer); err != nil {
			return err
		}
		if err := eng.SetPathDelay(pm.ID, spr.NewPathDelay(pm.ID, &p.delay)); err != nil {
			return err
		}
		if err := eng.SetDownstreamRealTime(pm.ID, p.cfg.RealTime); err != nil {
			return err
		}
	}

	if p.src.Format == ingest.FormatRawPCM {
		if err := eng.SetInputFormat(p.src.Raw); err != nil {
			return err
		}
	}
	return nil
}

// Run decodes the input and renders it until the input ends and every
// buffered segment has been written, or ctx is cancelled. The sink is
// closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline started", "format", p.src.Format, "outputs", p.cfg.Outputs)

	g, gctx := errgroup.WithContext(ctx)
	if c, ok := p.input.(io.Closer); ok {
		// Unblocks the decoder when the loop stops first.
		stop := context.AfterFunc(gctx, func() { c.Close() })
		defer stop()
	}
	g.Go(func() error {
		defer close(p.segs)
		read := p.readFramed
		if p.src.Format == ingest.FormatRawPCM {
			read = p.readRaw
		}
		err := read(gctx)
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return err
	})
	g.Go(func() error {
		return p.loop.Run(gctx)
	})

	err := g.Wait()
	if cerr := p.sink.Close(); cerr != nil {
		p.log.Warn("closing sink", "error", cerr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.log.Info("pipeline stopped", "segments", p.segments.Load(), "error", err)
	return err
}

// readFramed decodes wire messages. Format changes go through the loop's
// ordered path so they land between the segments around them.
func (p *Pipeline) readFramed(ctx context.Context) error {
	dec := wire.NewDecoder(p.input)
	formatSeen := false
	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, wire.ErrUnknownMessage) {
				p.skipped.Add(1)
				p.log.Debug("skipping message", "error", err)
				continue
			}
			if errors.Is(err, wire.ErrAlignment) {
				p.skipped.Add(1)
				p.log.Warn("data splits a sample, dropped", "error", err)
				continue
			}
			return fmt.Errorf("decoding input: %w", err)
		}
		p.messages.Add(1)

		switch m := msg.(type) {
		case wire.Format:
			err = p.loop.DoOrdered(ctx, func(e *spr.Engine) error {
				return e.SetInputFormat(m.Format)
			})
			formatSeen = formatSeen || err == nil
		case wire.RenderConfig:
			err = p.loop.DoOrdered(ctx, func(e *spr.Engine) error {
				return e.EnableSync(m.Config)
			})
		case wire.Resync:
			p.RequestResync()
		case wire.Data:
			if !formatSeen {
				p.skipped.Add(1)
				p.log.Warn("data before format, dropped", "ts_us", m.Stream.Timestamp)
				for _, md := range m.Stream.TakeMetadata() {
					p.tracker.Destroy(md, true)
				}
				continue
			}
			err = p.send(ctx, m.Stream)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, spr.ErrBadParam) {
				p.log.Warn("rejected control message", "type", msg.Type(), "error", err)
				continue
			}
			return err
		}
	}
}

// readRaw cuts interleaved PCM into frame-sized untimed segments.
func (p *Pipeline) readRaw(ctx context.Context) error {
	f := p.src.Raw
	buf := make([]byte, f.FrameBytesPerChannel(p.eng.FrameUs())*f.NumChannels)
	for {
		n, err := io.ReadFull(p.input, buf)
		if n > 0 {
			s := &media.Stream{Data: pcm.Deinterleave(f, buf[:n])}
			if !s.IsEmpty() {
				if serr := p.send(ctx, s); serr != nil {
					return serr
				}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("reading raw input: %w", err)
		}
	}
}

func (p *Pipeline) send(ctx context.Context, s *media.Stream) error {
	select {
	case p.segs <- s:
		p.segments.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestResync asks the engine timer to rebaseline against every output
// peer on its next tick.
func (p *Pipeline) RequestResync() {
	p.resyncs.Add(1)
	for _, h := range p.peers {
		h.RequestResync()
	}
}

// SetPathDelay updates the downstream delay reported for every output.
func (p *Pipeline) SetPathDelay(us int64) { p.delay.Store(us) }

// Snapshot returns the current pipeline counters.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		Key:       p.src.Key,
		Format:    p.src.Format.String(),
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Messages:  p.messages.Load(),
		Segments:  p.segments.Load(),
		Resyncs:   p.resyncs.Load(),
		Skipped:   p.skipped.Load(),
		Underruns: p.underruns.Load(),
		Engine:    p.loop.Stats(),
		Metadata:  p.tracker.Stats(),

		OutputDrift: p.outDrift.Read(),
	}
}

// releasingSink hands delivered metadata back to the handler once the
// sink has seen it.
type releasingSink struct {
	Sink
	h metadata.Handler
}

func (s releasingSink) WriteOutput(port int, out *media.Stream) error {
	err := s.Sink.WriteOutput(port, out)
	for _, md := range out.TakeMetadata() {
		s.h.Destroy(md, false)
	}
	return err
}
