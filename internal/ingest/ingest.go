// Package ingest tracks connected PCM publishers, coupling each socket's
// byte stream with its identity, counters and lifecycle, and dispatches
// new publishers to the render pipeline.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/sprd/internal/pcm"
)

// ErrDuplicate is returned by Register when a publisher with the same key
// is already connected.
var ErrDuplicate = errors.New("ingest: publisher already connected")

// InputFormat identifies how a publisher's bytes are framed.
type InputFormat int

// Supported ingest formats.
const (
	// FormatFramedPCM is the wire protocol with format, data and control
	// messages.
	FormatFramedPCM InputFormat = iota
	// FormatRawPCM is untimed interleaved little-endian PCM in a format
	// fixed at connect time.
	FormatRawPCM
)

func (f InputFormat) String() string {
	switch f {
	case FormatFramedPCM:
		return "framed"
	case FormatRawPCM:
		return "raw"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Source describes a publisher at connect time.
type Source struct {
	Key    string
	Format InputFormat
	// Raw is the sample format of a FormatRawPCM publisher.
	Raw pcm.MediaFormat
}

// Stats captures connection-level metrics for a publisher.
type Stats struct {
	Key           string `json:"key"`
	Format        string `json:"format"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	LastReadAt    int64  `json:"lastReadAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one connected publisher. Bytes written to the internal pipe
// by the transport are read by the pipeline decoder.
type Stream struct {
	Source
	StartedAt time.Time

	input io.ReadCloser
	pw    *io.PipeWriter
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	lastReadAt    atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// transport after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
	s.lastReadAt.Store(time.Now().UnixMilli())
}

// SetRemoteAddr stores the publisher address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the publisher is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Format:        s.Format.String(),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		LastReadAt:    s.lastReadAt.Load(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks connected publishers by key and dispatches new ones to
// the onStream callback. It is the rendezvous point between the transport
// and the render pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream, input io.Reader)
}

// NewRegistry creates a Registry. The onStream callback is invoked on its
// own goroutine for every registered publisher and owns the reader until
// it returns.
func NewRegistry(onStream func(s *Stream, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register adds a publisher and returns the Stream and the Writer the
// transport should copy socket data into. A raw source must carry a valid
// sample format.
func (r *Registry) Register(src Source) (*Stream, io.Writer, error) {
	if src.Format == FormatRawPCM {
		if err := src.Raw.Validate(); err != nil {
			return nil, nil, fmt.Errorf("raw source %q: %w", src.Key, err)
		}
	}

	r.mu.Lock()
	if _, ok := r.streams[src.Key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicate, src.Key)
	}
	pr, pw := io.Pipe()
	stream := &Stream{
		Source:    src,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	r.streams[src.Key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go func() {
			r.onStream(stream, pr)
			// Unblock the transport if the consumer stopped early.
			pr.CloseWithError(io.ErrClosedPipe)
		}()
	}
	return stream, pw, nil
}

// Unregister removes a publisher by key, closing its pipe and signaling
// Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the publisher for key, or false if not connected.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every connected publisher ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
