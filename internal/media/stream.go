// Package media defines the sample streams and metadata items that flow
// through the renderer, from ingest through the output ports.
package media

// StreamBufferSize is the channel depth between the ingest decoder and the
// render loop, a few hundred milliseconds of jitter at 5 ms frames.
const StreamBufferSize = 64

// Flags carried alongside a stream segment.
type Flags struct {
	TSValid   bool
	Erasure   bool
	MarkerEOS bool
}

// Stream is one segment of deinterleaved PCM: one byte slice per channel,
// the timestamp of the first sample in microseconds, and the metadata
// attached to it. An output Stream's Data slices are allocated by the
// owner of the port and are filled in place.
type Stream struct {
	Data      [][]byte
	Timestamp int64
	Flags     Flags
	Metadata  []*Metadata
}

// Len returns the number of bytes per channel.
func (s *Stream) Len() int {
	if s == nil || len(s.Data) == 0 {
		return 0
	}
	return len(s.Data[0])
}

// IsEmpty reports whether the stream carries no samples.
func (s *Stream) IsEmpty() bool {
	return s.Len() == 0
}

// HasMetadata reports whether any metadata is attached.
func (s *Stream) HasMetadata() bool {
	return s != nil && len(s.Metadata) > 0
}

// Copy returns a deep copy of the sample data and flags. Metadata is not
// copied; callers move it explicitly.
func (s *Stream) Copy() *Stream {
	out := &Stream{
		Timestamp: s.Timestamp,
		Flags:     s.Flags,
		Data:      make([][]byte, len(s.Data)),
	}
	for i, ch := range s.Data {
		out.Data[i] = append([]byte(nil), ch...)
	}
	return out
}

// TakeMetadata detaches and returns the metadata list.
func (s *Stream) TakeMetadata() []*Metadata {
	md := s.Metadata
	s.Metadata = nil
	return md
}
