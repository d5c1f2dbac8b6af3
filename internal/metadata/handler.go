// Package metadata propagates stream metadata through the renderer: it
// absorbs the control items the engine consumes itself, classifies EOS and
// DFG items, fans the rest out to the active output ports and rewrites
// end-of-stream items at the output boundary.
package metadata

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/sprd/internal/media"
)

// Handler is the container side of metadata lifetime management.
type Handler interface {
	// Clone returns a copy of md for an additional output port.
	Clone(md *media.Metadata) (*media.Metadata, error)
	// Destroy releases md. dropped is true when it never reached an output.
	Destroy(md *media.Metadata, dropped bool)
	// ModifyAtDataFlowStart rewrites an output list for a port whose data
	// flow continues: internal EOS items are removed and flushing EOS
	// items become non-flushing.
	ModifyAtDataFlowStart(list []*media.Metadata) []*media.Metadata
}

// Stats is a snapshot of Tracker counters.
type Stats struct {
	Cloned    int64 `json:"cloned"`
	Dropped   int64 `json:"dropped"`
	Destroyed int64 `json:"destroyed"`
	Converted int64 `json:"converted"`
}

// Tracker is the in-process Handler. It keeps counters for diagnostics.
type Tracker struct {
	log *slog.Logger

	cloned    atomic.Int64
	dropped   atomic.Int64
	destroyed atomic.Int64
	converted atomic.Int64
}

// NewTracker creates a Tracker. If log is nil, slog.Default() is used.
func NewTracker(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{log: log.With("component", "metadata")}
}

// Clone implements Handler.
func (t *Tracker) Clone(md *media.Metadata) (*media.Metadata, error) {
	t.cloned.Add(1)
	return md.Clone(), nil
}

// Destroy implements Handler.
func (t *Tracker) Destroy(md *media.Metadata, dropped bool) {
	t.destroyed.Add(1)
	if dropped {
		t.dropped.Add(1)
		t.log.Debug("metadata dropped", "id", md.ID)
	}
}

// ModifyAtDataFlowStart implements Handler.
func (t *Tracker) ModifyAtDataFlowStart(list []*media.Metadata) []*media.Metadata {
	out := list[:0]
	for _, md := range list {
		if md.ID == media.MetadataEOS {
			if md.EOS.Internal {
				t.Destroy(md, true)
				continue
			}
			if md.EOS.Flushing {
				md.EOS.Flushing = false
				t.converted.Add(1)
			}
		}
		out = append(out, md)
	}
	clear(list[len(out):])
	return out
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Cloned:    t.cloned.Load(),
		Dropped:   t.dropped.Load(),
		Destroyed: t.destroyed.Load(),
		Converted: t.converted.Load(),
	}
}
