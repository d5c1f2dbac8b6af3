// Package drift carries accumulated clock drift between the renderer and
// the modules it is connected to.
//
// A Handle is the only renderer state shared across goroutines. Readers
// and writers exchange whole Info values under the handle's mutex so a
// reader never observes a half-written update.
package drift

import "sync"

// Info is the drift report exchanged through a Handle.
type Info struct {
	// AccDriftUs is the total drift accumulated since the handle was
	// created or last reset. Positive means the peer runs slower.
	AccDriftUs int64 `json:"accDriftUs"`
	// TimestampUs is the wall-clock time the report applies to.
	TimestampUs int64 `json:"timestampUs"`
}

// Handle is a mutex-guarded Info with a resync request flag.
type Handle struct {
	mu     sync.Mutex
	info   Info
	resync bool
}

// NewHandle returns a zeroed Handle.
func NewHandle() *Handle {
	return &Handle{}
}

// Read returns a copy of the current report.
func (h *Handle) Read() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Write replaces the current report.
func (h *Handle) Write(info Info) {
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

// Accumulate adds deltaUs to the accumulated drift and stamps the report.
func (h *Handle) Accumulate(deltaUs, timestampUs int64) {
	h.mu.Lock()
	h.info.AccDriftUs += deltaUs
	h.info.TimestampUs = timestampUs
	h.mu.Unlock()
}

// Reset zeroes the report.
func (h *Handle) Reset() {
	h.Write(Info{})
}

// RequestResync asks the consumer of the handle to take the current report
// as its new baseline, ignoring drift accumulated since its last read.
func (h *Handle) RequestResync() {
	h.mu.Lock()
	h.resync = true
	h.mu.Unlock()
}

// TakeResync reports and clears a pending resync request.
func (h *Handle) TakeResync() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.resync
	h.resync = false
	return r
}
