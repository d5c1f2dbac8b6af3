package holdq

import (
	"log/slog"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// Entry is a cached media format and the input that arrived after it.
type Entry struct {
	Format pcm.MediaFormat
	// Applied is set once the renderer has switched to Format. Its
	// segments are then read in order.
	Applied bool
	q       queue
}

// Len returns the number of queued segments.
func (e *Entry) Len() int { return e.q.len() }

// DurationUs returns the duration of the queued segments.
func (e *Entry) DurationUs() int64 { return e.q.durationUs }

// FormatQueue orders media format changes that could not be applied
// immediately. The head is the oldest format still draining, the tail the
// newest; input always goes to the tail.
type FormatQueue struct {
	log     *slog.Logger
	budget  *Budget
	drop    Dropper
	entries []*Entry

	evicted uint64
}

// NewFormatQueue creates an empty FormatQueue. If log is nil,
// slog.Default() is used.
func NewFormatQueue(budget *Budget, drop Dropper, log *slog.Logger) *FormatQueue {
	if log == nil {
		log = slog.Default()
	}
	return &FormatQueue{
		log:    log.With("component", "mf-queue"),
		budget: budget,
		drop:   drop,
	}
}

// Pending reports whether any format is cached.
func (f *FormatQueue) Pending() bool { return len(f.entries) > 0 }

// Len returns the number of cached formats.
func (f *FormatQueue) Len() int { return len(f.entries) }

// Head returns the oldest cached format, or nil.
func (f *FormatQueue) Head() *Entry {
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[0]
}

// Tail returns the newest cached format, or nil.
func (f *FormatQueue) Tail() *Entry {
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[len(f.entries)-1]
}

// Evicted returns the number of segments evicted to make room.
func (f *FormatQueue) Evicted() uint64 { return f.evicted }

// Cache appends format as the newest pending format.
func (f *FormatQueue) Cache(format pcm.MediaFormat) {
	f.entries = append(f.entries, &Entry{Format: format})
	f.log.Info("media format cached", "format", format, "pending", len(f.entries))
}

// AppendInput copies in to the tail entry, taking its metadata.
func (f *FormatQueue) AppendInput(in *media.Stream) error {
	tail := f.Tail()
	if tail == nil {
		return ErrNoFormat
	}
	d := tail.Format.BytesToUs(in.Len())
	if !f.budget.reachable(d, tail.q.durationUs) {
		return ErrTooLarge
	}
	for !f.budget.fits(d) && tail.q.len() > 0 {
		n := tail.q.pop()
		f.budget.heldUs -= n.DurationUs
		f.drop.DropAll(n.Stream)
		f.evicted++
		f.log.Info("hold capacity exceeded, evicted oldest cached segment",
			"ts_us", n.Stream.Timestamp, "duration_us", n.DurationUs)
	}
	if !f.budget.fits(d) {
		return ErrTooLarge
	}
	n := newNode(in, tail.Format)
	tail.q.push(n)
	f.budget.heldUs += n.DurationUs
	return nil
}

// HeadNode returns the oldest segment of the head entry, or nil.
func (f *FormatQueue) HeadNode() *Node {
	if h := f.Head(); h != nil {
		return h.q.head()
	}
	return nil
}

// IsHead reports whether s is the stream of the head entry's head node.
func (f *FormatQueue) IsHead(s *media.Stream) bool {
	h := f.Head()
	return h != nil && h.q.isHead(s)
}

// PopHeadNode removes the head entry's oldest segment and returns it.
func (f *FormatQueue) PopHeadNode() *Node {
	h := f.Head()
	if h == nil {
		return nil
	}
	n := h.q.pop()
	if n != nil {
		f.budget.heldUs -= n.DurationUs
	}
	return n
}

// PopEmptyHead removes the head entry if it is applied and fully
// consumed.
func (f *FormatQueue) PopEmptyHead() bool {
	h := f.Head()
	if h == nil || !h.Applied || h.q.len() > 0 {
		return false
	}
	f.entries[0] = nil
	f.entries = f.entries[1:]
	f.log.Debug("media format drained", "format", h.Format, "pending", len(f.entries))
	return true
}

// OldDataPending reports whether an applied format still has segments to
// drain.
func (f *FormatQueue) OldDataPending() bool {
	h := f.Head()
	return h != nil && h.Applied && h.q.len() > 0
}

// Destroy discards every cached segment and format. It returns the newest
// format so the caller can switch to it directly.
func (f *FormatQueue) Destroy() (pcm.MediaFormat, bool) {
	tail := f.Tail()
	if tail == nil {
		return pcm.MediaFormat{}, false
	}
	for _, e := range f.entries {
		for e.q.len() > 0 {
			n := e.q.pop()
			f.budget.heldUs -= n.DurationUs
			if n.Stream.HasMetadata() {
				f.drop.DropAll(n.Stream)
			}
		}
	}
	f.log.Info("media format queue destroyed", "formats", len(f.entries), "apply", tail.Format)
	f.entries = nil
	return tail.Format, true
}
