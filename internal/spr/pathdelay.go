package spr

import "sync/atomic"

// PathDelay is the downstream delay of one output path. The counters are
// owned by the modules along the path and are summed once per cycle.
type PathDelay struct {
	PathID   uint32
	counters []*atomic.Int64
}

// NewPathDelay creates a PathDelay over counters. nil counters are ignored.
func NewPathDelay(pathID uint32, counters ...*atomic.Int64) *PathDelay {
	p := &PathDelay{PathID: pathID}
	for _, c := range counters {
		if c != nil {
			p.counters = append(p.counters, c)
		}
	}
	return p
}

// Aggregate returns the current total delay in microseconds. A nil
// PathDelay has no delay.
func (p *PathDelay) Aggregate() int64 {
	if p == nil {
		return 0
	}
	var sum int64
	for _, c := range p.counters {
		sum += c.Load()
	}
	return sum
}
