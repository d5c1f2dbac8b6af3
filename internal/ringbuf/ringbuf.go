// Package ringbuf implements the per-port sample ring buffer: a single
// writer fed by the render engine and one reader per output port. Each
// channel is stored in its own circular byte slice.
//
// When the writer overtakes a reader, the oldest unread bytes of that
// reader are dropped and its timestamp advances by the dropped duration.
package ringbuf

import (
	"errors"
	"fmt"

	"github.com/zsiec/sprd/internal/pcm"
)

var (
	// ErrNeedMore is returned by Read when fewer bytes than requested were
	// available. It signals underrun handling and is not a failure.
	ErrNeedMore = errors.New("ringbuf: need more data")

	// ErrNilBuffer is returned when a port has no ring buffer.
	ErrNilBuffer = errors.New("ringbuf: nil buffer")

	// ErrChannels is returned when the channel layout of a write or read
	// does not match the buffer format.
	ErrChannels = errors.New("ringbuf: channel layout mismatch")
)

// Buffer is a multi-channel circular buffer with per-reader fill levels.
// It is not safe for concurrent use; the engine loop owns it.
type Buffer struct {
	format     pcm.MediaFormat
	data       [][]byte
	capacity   int
	writeIndex int
	readers    []*Reader

	overflowBytes uint64
}

// New allocates a buffer holding capacityUs of audio per channel.
func New(format pcm.MediaFormat, capacityUs int64) (*Buffer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	capacity := format.UsToBytes(capacityUs)
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity %dus too small for %s", capacityUs, format)
	}
	return &Buffer{
		format:   format,
		data:     pcm.MakeChannels(format.NumChannels, capacity),
		capacity: capacity,
	}, nil
}

// Format returns the media format the buffer was created with.
func (b *Buffer) Format() pcm.MediaFormat { return b.format }

// Capacity returns the per-channel capacity in bytes.
func (b *Buffer) Capacity() int { return b.capacity }

// OverflowBytes returns the total number of bytes dropped across readers.
func (b *Buffer) OverflowBytes() uint64 { return b.overflowBytes }

// NewReader attaches a reader positioned at the current write index.
func (b *Buffer) NewReader() *Reader {
	r := &Reader{buf: b}
	b.readers = append(b.readers, r)
	return r
}

// RemoveReader detaches r. Removing an unknown reader is a no-op.
func (b *Buffer) RemoveReader(r *Reader) {
	for i, rr := range b.readers {
		if rr == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			r.buf = nil
			return
		}
	}
}

// Readers returns the number of attached readers.
func (b *Buffer) Readers() int { return len(b.readers) }

// Write appends one segment to the buffer. ts is the timestamp of the first
// byte and is adopted by readers that were empty before the write. The
// return value is the largest number of bytes dropped from any reader.
func (b *Buffer) Write(chans [][]byte, ts int64, tsValid bool) (int, error) {
	if b == nil {
		return 0, ErrNilBuffer
	}
	n, err := b.checkLayout(chans)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	src := 0
	if n > b.capacity {
		src = n - b.capacity
	}
	for ch, in := range chans {
		copyIn(b.data[ch], b.writeIndex, in[src:])
	}
	b.writeIndex = (b.writeIndex + n - src) % b.capacity

	maxDropped := 0
	for _, r := range b.readers {
		if r.filled == 0 {
			r.ts = ts
			r.tsValid = tsValid
		}
		filled := r.filled + n
		dropped := 0
		if filled > b.capacity {
			dropped = filled - b.capacity
			filled = b.capacity
		}
		r.filled = filled
		r.readIndex = (b.writeIndex - filled + b.capacity) % b.capacity
		if dropped > 0 {
			r.dropped += uint64(dropped)
			r.ts += b.format.BytesToUs(dropped)
			b.overflowBytes += uint64(dropped)
			maxDropped = max(maxDropped, dropped)
		}
	}
	return maxDropped, nil
}

// Reset discards all buffered data for every reader.
func (b *Buffer) Reset() {
	b.writeIndex = 0
	for _, r := range b.readers {
		r.Reset()
	}
}

// MaxUnread returns the largest fill level across readers.
func (b *Buffer) MaxUnread() int {
	n := 0
	for _, r := range b.readers {
		n = max(n, r.filled)
	}
	return n
}

func (b *Buffer) checkLayout(chans [][]byte) (int, error) {
	if len(chans) != b.format.NumChannels {
		return 0, fmt.Errorf("%w: got %d channels, want %d", ErrChannels, len(chans), b.format.NumChannels)
	}
	n := len(chans[0])
	for _, c := range chans[1:] {
		if len(c) != n {
			return 0, fmt.Errorf("%w: uneven channel lengths", ErrChannels)
		}
	}
	return n, nil
}

// copyIn writes src into the circular dst starting at off.
func copyIn(dst []byte, off int, src []byte) {
	k := copy(dst[off:], src)
	if k < len(src) {
		copy(dst, src[k:])
	}
}

// copyOut reads len(dst) bytes from the circular src starting at off.
func copyOut(dst []byte, src []byte, off int) {
	k := copy(dst, src[off:])
	if k < len(dst) {
		copy(dst[k:], src)
	}
}
