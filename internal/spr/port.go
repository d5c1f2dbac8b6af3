package spr

import (
	"fmt"

	"github.com/zsiec/sprd/internal/drift"
	"github.com/zsiec/sprd/internal/pcm"
	"github.com/zsiec/sprd/internal/ringbuf"
)

// PortState is the data flow state of a port.
type PortState int

// Port states.
const (
	PortClosed PortState = iota
	PortOpened
	PortStarted
	PortStopped
	PortSuspended
)

func (s PortState) String() string {
	switch s {
	case PortClosed:
		return "closed"
	case PortOpened:
		return "opened"
	case PortStarted:
		return "started"
	case PortStopped:
		return "stopped"
	case PortSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Opcode is a port operation.
type Opcode int

// Port operations.
const (
	OpOpen Opcode = iota + 1
	OpStart
	OpStop
	OpSuspend
	OpClose
)

func (o Opcode) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpSuspend:
		return "suspend"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// PortMap binds a port id to its index.
type PortMap struct {
	ID    uint32
	Index int
}

// PortOp is one port operation applied to a set of ports of the same
// direction.
type PortOp struct {
	Opcode Opcode
	Input  bool
	Ports  []PortMap
}

type inputPort struct {
	id    uint32
	state PortState
}

type outputPort struct {
	id    uint32
	index int
	state PortState

	reader       *ringbuf.Reader
	pathDelay    *PathDelay
	peerDrift    *drift.Handle
	downstreamRT bool

	prevTS      int64
	prevTSValid bool
}

func (p *outputPort) started() bool { return p != nil && p.state == PortStarted }

// PortOp applies op. An out of range index is rejected with ErrBadParam
// and an op without ports with ErrNeedMore; unknown opcodes are logged and
// return ErrUnsupported.
func (e *Engine) PortOp(op PortOp) error {
	if len(op.Ports) == 0 {
		return fmt.Errorf("%w: %s op without ports", ErrNeedMore, op.Opcode)
	}
	limit := e.cfg.MaxOutputPorts
	if op.Input {
		limit = 1
	}
	for _, pm := range op.Ports {
		if pm.Index < 0 || pm.Index >= limit {
			return fmt.Errorf("%w: port index %d out of range [0,%d)", ErrBadParam, pm.Index, limit)
		}
	}

	for _, pm := range op.Ports {
		var err error
		if op.Input {
			err = e.inputPortOp(op.Opcode, pm)
		} else {
			err = e.outputPortOp(op.Opcode, pm)
		}
		if err != nil {
			return err
		}
	}

	switch op.Opcode {
	case OpStart, OpStop, OpSuspend, OpClose:
		e.checkTimerDisable()
	}
	return nil
}

func (e *Engine) inputPortOp(op Opcode, pm PortMap) error {
	p := &e.in
	prev := p.state
	switch op {
	case OpOpen:
		if p.state != PortClosed {
			e.log.Warn("input port already open", "id", pm.ID, "state", p.state)
			return nil
		}
		p.id = pm.ID
		p.state = PortOpened
	case OpStart:
		switch p.state {
		case PortOpened, PortStopped, PortSuspended:
		default:
			return nil
		}
		p.state = PortStarted
		e.startedIn++
	case OpSuspend:
		if p.state != PortStarted {
			return nil
		}
		p.state = PortSuspended
		e.startedIn--
	case OpStop:
		if p.state == PortStarted {
			e.startedIn--
		}
		p.state = PortStopped
		e.resetInput()
	case OpClose:
		if p.state == PortStarted {
			e.startedIn--
		}
		e.resetInput()
		p.state = PortClosed
		e.formatSet = false
		e.format = pcm.MediaFormat{}
		e.ring = nil
		for _, o := range e.outs {
			if o != nil {
				o.reader = nil
			}
		}
		e.sync = nil
	default:
		e.log.Warn("unsupported port op", "op", op, "input", true)
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	e.log.Info("input port op", "op", op, "id", pm.ID, "from", prev, "to", p.state)
	return nil
}

func (e *Engine) outputPortOp(op Opcode, pm PortMap) error {
	p := e.outs[pm.Index]
	if op != OpOpen && (p == nil || p.id != pm.ID) {
		return fmt.Errorf("%w: output port id %d not open at index %d", ErrBadParam, pm.ID, pm.Index)
	}
	switch op {
	case OpOpen:
		if p != nil && p.state != PortClosed {
			e.log.Warn("output port already open", "id", pm.ID, "index", pm.Index, "state", p.state)
			return nil
		}
		if idx, ok := e.outIndex[pm.ID]; ok && idx != pm.Index {
			return fmt.Errorf("%w: output port id %d already mapped to index %d", ErrBadParam, pm.ID, idx)
		}
		e.outs[pm.Index] = &outputPort{id: pm.ID, index: pm.Index, state: PortOpened}
		e.outIndex[pm.ID] = pm.Index
		e.log.Info("output port opened", "id", pm.ID, "index", pm.Index)
		return nil
	case OpStart:
		switch p.state {
		case PortOpened, PortStopped, PortSuspended:
		default:
			return nil
		}
		if p.state != PortSuspended {
			e.setupReader(p)
		}
		p.state = PortStarted
		e.startedOut++
		e.updatePrimary()
	case OpSuspend:
		if p.state != PortStarted {
			return nil
		}
		p.state = PortSuspended
		e.startedOut--
		e.updatePrimary()
	case OpStop:
		if p.state == PortStarted {
			e.startedOut--
		}
		p.state = PortStopped
		e.updatePrimary()
		e.destroyReader(p)
	case OpClose:
		if p.state == PortStarted {
			e.startedOut--
		}
		e.destroyReader(p)
		delete(e.outIndex, p.id)
		e.outs[pm.Index] = nil
		e.updatePrimary()
		e.log.Info("output port closed", "id", pm.ID, "index", pm.Index)
		return nil
	default:
		e.log.Warn("unsupported port op", "op", op, "input", false)
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	e.log.Info("output port op", "op", op, "id", pm.ID, "index", pm.Index, "state", p.state,
		"started", e.startedOut, "primary", e.primary)
	return nil
}

// updatePrimary selects the lowest indexed started output port as primary.
func (e *Engine) updatePrimary() {
	prev := e.primary
	e.primary = -1
	for i, p := range e.outs {
		if p.started() {
			e.primary = i
			break
		}
	}
	if prev == e.primary {
		return
	}
	e.log.Info("primary output changed", "from", prev, "to", e.primary)
	if e.sched != nil {
		e.sched.SetPeer(e.primaryPeer())
	}
}

func (e *Engine) primaryPort() *outputPort {
	if e.primary < 0 {
		return nil
	}
	return e.outs[e.primary]
}

func (e *Engine) primaryPeer() *drift.Handle {
	if p := e.primaryPort(); p != nil {
		return p.peerDrift
	}
	return nil
}

func (e *Engine) setupReader(p *outputPort) {
	p.prevTS, p.prevTSValid = 0, false
	if e.ring == nil {
		return
	}
	if p.reader != nil {
		e.ring.RemoveReader(p.reader)
	}
	p.reader = e.ring.NewReader()
}

func (e *Engine) destroyReader(p *outputPort) {
	if p.reader != nil && e.ring != nil {
		e.ring.RemoveReader(p.reader)
	}
	p.reader = nil
}

func (e *Engine) portByID(id uint32) (*outputPort, error) {
	idx, ok := e.outIndex[id]
	if !ok || e.outs[idx] == nil {
		return nil, fmt.Errorf("%w: unknown output port id %d", ErrBadParam, id)
	}
	return e.outs[idx], nil
}
