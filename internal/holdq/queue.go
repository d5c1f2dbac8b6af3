// Package holdq buffers input segments the renderer cannot consume yet:
// segments held until the render window catches up, and segments that
// arrived after a media format change while older data still drains.
//
// Every queued segment is an owned deep copy of the input. Both queues
// share a Budget so the total held duration stays within the configured
// hold capacity; when a new segment would not fit the oldest segments of
// the receiving queue are evicted first.
package holdq

import (
	"errors"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// Sentinel errors.
var (
	ErrTooLarge = errors.New("holdq: segment exceeds hold capacity")
	ErrNoFormat = errors.New("holdq: no pending media format")
)

// Dropper releases the metadata of a segment that is discarded without
// being rendered.
type Dropper interface {
	DropAll(s *media.Stream)
}

// Node is one queued segment.
type Node struct {
	Stream     *media.Stream
	DurationUs int64
}

func newNode(in *media.Stream, f pcm.MediaFormat) *Node {
	s := in.Copy()
	s.Metadata = in.TakeMetadata()
	return &Node{Stream: s, DurationUs: f.BytesToUs(s.Len())}
}

// Budget is the hold capacity shared by the queues of one renderer.
type Budget struct {
	capacityUs int64
	heldUs     int64
}

// NewBudget creates a Budget of capacityUs.
func NewBudget(capacityUs int64) *Budget {
	return &Budget{capacityUs: capacityUs}
}

// CapacityUs returns the configured capacity.
func (b *Budget) CapacityUs() int64 { return b.capacityUs }

// SetCapacity changes the capacity. Data already held is not evicted.
func (b *Budget) SetCapacity(us int64) { b.capacityUs = us }

// HeldUs returns the duration currently held across all queues.
func (b *Budget) HeldUs() int64 { return b.heldUs }

func (b *Budget) fits(us int64) bool {
	return b.heldUs+us <= b.capacityUs
}

// reachable reports whether us could fit once every segment of a queue
// holding ownUs had been evicted.
func (b *Budget) reachable(us, ownUs int64) bool {
	return b.heldUs-ownUs+us <= b.capacityUs
}

// queue is a FIFO of nodes with O(1) access at both ends.
type queue struct {
	nodes      []*Node
	durationUs int64
}

func (q *queue) len() int { return len(q.nodes) }

func (q *queue) head() *Node {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

func (q *queue) push(n *Node) {
	q.nodes = append(q.nodes, n)
	q.durationUs += n.DurationUs
}

func (q *queue) pop() *Node {
	if len(q.nodes) == 0 {
		return nil
	}
	n := q.nodes[0]
	q.nodes[0] = nil
	q.nodes = q.nodes[1:]
	q.durationUs -= n.DurationUs
	if len(q.nodes) == 0 {
		q.nodes = nil
	}
	return n
}

func (q *queue) isHead(s *media.Stream) bool {
	h := q.head()
	return h != nil && s != nil && h.Stream == s
}
