package spr

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/timer"
)

// ErrLoopClosed is returned by Do after Run has returned.
var ErrLoopClosed = errors.New("spr: loop closed")

// Sink receives the output frames of one process cycle.
type Sink interface {
	WriteOutput(port int, s *media.Stream) error
}

// Loop owns an Engine and runs its process cycles on one goroutine. A
// cycle runs on each timer tick, or on input arrival while the timer is
// disabled. While the engine drops late input, arrivals also run a cycle
// without outputs so the backlog drains faster than real time.
type Loop struct {
	log     *slog.Logger
	eng     *Engine
	input   <-chan *media.Stream
	sink    Sink
	timer   *timer.Oneshot
	ctrl    chan func()
	ordered chan func()
	done    chan struct{}

	pending   *media.Stream
	inputDone bool
	trig      Trigger
	armed     bool
	armedAt   int64

	stats atomic.Pointer[Stats]
}

// NewLoop creates a Loop over eng reading from input and writing to sink.
// If log is nil, slog.Default() is used.
func NewLoop(eng *Engine, input <-chan *media.Stream, sink Sink, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		log:     log.With("component", "spr-loop"),
		eng:     eng,
		input:   input,
		sink:    sink,
		timer:   timer.NewOneshot(eng.clock),
		ctrl:    make(chan func()),
		ordered: make(chan func()),
		done:    make(chan struct{}),
	}
	st := eng.Stats()
	l.stats.Store(&st)
	return l
}

// Do runs fn on the loop goroutine and returns its error. It is the only
// way to reach the engine while Run is active.
func (l *Loop) Do(ctx context.Context, fn func(e *Engine) error) error {
	return l.call(ctx, l.ctrl, fn)
}

// DoOrdered is Do for changes that belong between input segments, such as
// a new input format. fn runs only once every segment already sent on the
// input channel has been consumed by the engine. The caller must be the
// only producer on the input channel.
func (l *Loop) DoOrdered(ctx context.Context, fn func(e *Engine) error) error {
	return l.call(ctx, l.ordered, fn)
}

func (l *Loop) call(ctx context.Context, ch chan<- func(), fn func(e *Engine) error) error {
	errc := make(chan error, 1)
	call := func() { errc <- fn(l.eng) }
	select {
	case ch <- call:
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the snapshot taken after the most recent cycle. It is safe
// for concurrent use.
func (l *Loop) Stats() Stats { return *l.stats.Load() }

// Run processes until ctx is cancelled or the input channel is closed and
// all buffered data has been delivered.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.timer.Stop()

	l.eng.SetTriggerPolicy(TriggerFunc(func(t Trigger) { l.trig = t }))
	l.eng.restartTimer()
	l.arm()

	for {
		in := l.input
		if l.pending != nil || l.inputDone {
			in = nil
		}
		ordered := l.ordered
		if l.pending != nil || len(l.input) > 0 {
			ordered = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case fn := <-l.ctrl:
			fn()
			l.arm()

		case fn := <-ordered:
			fn()
			l.arm()

		case <-l.timer.C():
			l.armed = false
			l.cycle(true)

		case s, ok := <-in:
			if !ok {
				l.inputDone = true
				l.log.Info("input closed")
				if !l.eng.TimerEnabled() {
					l.cycle(true)
				}
				break
			}
			l.pending = s
			switch {
			case !l.eng.TimerEnabled():
				l.cycle(true)
			case l.trig.Dropping:
				l.cycle(false)
			}
		}

		if l.inputDone && l.pending == nil && l.eng.Drained() {
			l.log.Info("input drained, loop done")
			return nil
		}
	}
}

func (l *Loop) cycle(withOutputs bool) {
	var outs []*media.Stream
	if withOutputs {
		outs = l.eng.NewOutputs()
	}
	rep, err := l.eng.Process(l.pending, outs)
	if err != nil {
		l.log.Error("process", "error", err)
	}
	if rep.Consumed {
		l.pending = nil
	}

	for i, out := range outs {
		if out == nil || (out.Len() == 0 && !out.HasMetadata()) {
			continue
		}
		if err := l.sink.WriteOutput(i, out); err != nil {
			l.log.Warn("output write failed", "port", i, "error", err)
		}
	}

	st := l.eng.Stats()
	l.stats.Store(&st)

	if rep.FormatChanged && l.pending != nil && !l.eng.TimerEnabled() {
		l.cycle(true)
		return
	}
	l.arm()
}

// arm schedules the next timer tick. The one-shot is reprogrammed only
// when the wake time moved.
func (l *Loop) arm() {
	wake, ok := l.eng.Wake()
	if !ok {
		if l.armed {
			l.timer.Stop()
			l.armed = false
		}
		return
	}
	if l.armed && wake == l.armedAt {
		return
	}
	l.timer.Arm(wake)
	l.armed = true
	l.armedAt = wake
}
