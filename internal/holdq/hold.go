package holdq

import (
	"log/slog"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// HoldQueue holds segments whose render decision was HOLD. The head is
// re-evaluated every cycle until it renders or is dropped.
type HoldQueue struct {
	log    *slog.Logger
	format pcm.MediaFormat
	budget *Budget
	drop   Dropper
	q      queue

	evicted uint64
}

// NewHoldQueue creates an empty HoldQueue. If log is nil, slog.Default()
// is used.
func NewHoldQueue(budget *Budget, drop Dropper, log *slog.Logger) *HoldQueue {
	if log == nil {
		log = slog.Default()
	}
	return &HoldQueue{
		log:    log.With("component", "hold-queue"),
		budget: budget,
		drop:   drop,
	}
}

// SetFormat sets the operating format used to size segments.
func (h *HoldQueue) SetFormat(f pcm.MediaFormat) { h.format = f }

// Len returns the number of held segments.
func (h *HoldQueue) Len() int { return h.q.len() }

// Exists reports whether any segment is held.
func (h *HoldQueue) Exists() bool { return h.q.len() > 0 }

// DurationUs returns the duration held in this queue.
func (h *HoldQueue) DurationUs() int64 { return h.q.durationUs }

// Evicted returns the number of segments evicted to make room.
func (h *HoldQueue) Evicted() uint64 { return h.evicted }

// Head returns the oldest held segment, or nil.
func (h *HoldQueue) Head() *Node { return h.q.head() }

// IsHead reports whether s is the stream of the head node.
func (h *HoldQueue) IsHead(s *media.Stream) bool { return h.q.isHead(s) }

// Push copies in to the tail, taking its metadata. Older segments are
// evicted when the budget would be exceeded. A segment longer than the
// whole capacity is rejected with ErrTooLarge and in is left untouched.
func (h *HoldQueue) Push(in *media.Stream) error {
	d := h.format.BytesToUs(in.Len())
	if err := h.makeRoom(d); err != nil {
		return err
	}
	n := newNode(in, h.format)
	h.q.push(n)
	h.budget.heldUs += n.DurationUs
	h.log.Debug("segment held", "ts_us", n.Stream.Timestamp, "duration_us", n.DurationUs,
		"queue_us", h.q.durationUs, "held_us", h.budget.heldUs)
	return nil
}

// Adopt moves an existing node to the tail.
func (h *HoldQueue) Adopt(n *Node) error {
	if err := h.makeRoom(n.DurationUs); err != nil {
		return err
	}
	h.q.push(n)
	h.budget.heldUs += n.DurationUs
	return nil
}

// PopHead removes the head node and returns it to the caller.
func (h *HoldQueue) PopHead() *Node {
	n := h.q.pop()
	if n != nil {
		h.budget.heldUs -= n.DurationUs
	}
	return n
}

// DiscardHead removes the head node, dropping any metadata still on it.
func (h *HoldQueue) DiscardHead() {
	if n := h.PopHead(); n != nil && n.Stream.HasMetadata() {
		h.drop.DropAll(n.Stream)
	}
}

// Drain discards every held segment.
func (h *HoldQueue) Drain() {
	if h.q.len() > 0 {
		h.log.Debug("draining hold queue", "segments", h.q.len(), "duration_us", h.q.durationUs)
	}
	for h.q.len() > 0 {
		h.DiscardHead()
	}
}

func (h *HoldQueue) makeRoom(us int64) error {
	if !h.budget.reachable(us, h.q.durationUs) {
		return ErrTooLarge
	}
	for !h.budget.fits(us) && h.q.len() > 0 {
		n := h.PopHead()
		h.drop.DropAll(n.Stream)
		h.evicted++
		h.log.Info("hold capacity exceeded, evicted oldest segment",
			"ts_us", n.Stream.Timestamp, "duration_us", n.DurationUs, "incoming_us", us,
			"capacity_us", h.budget.capacityUs)
	}
	if !h.budget.fits(us) {
		return ErrTooLarge
	}
	return nil
}
