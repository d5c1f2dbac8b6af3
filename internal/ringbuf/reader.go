package ringbuf

// Reader is one output port's view of a Buffer.
type Reader struct {
	buf       *Buffer
	readIndex int
	filled    int
	ts        int64
	tsValid   bool
	dropped   uint64
}

// Read copies up to len(out[0]) bytes per channel into out. It returns the
// number of bytes copied per channel and ErrNeedMore when that is less
// than requested. Bytes past n in out are left untouched.
func (r *Reader) Read(out [][]byte) (int, error) {
	if r == nil || r.buf == nil {
		return 0, ErrNilBuffer
	}
	want, err := r.buf.checkLayout(out)
	if err != nil {
		return 0, err
	}
	n := min(want, r.filled)
	if n > 0 {
		for ch, dst := range out {
			copyOut(dst[:n], r.buf.data[ch], r.readIndex)
		}
		r.readIndex = (r.readIndex + n) % r.buf.capacity
		r.filled -= n
		r.ts += r.buf.format.BytesToUs(n)
	}
	if n < want {
		return n, ErrNeedMore
	}
	return n, nil
}

// Timestamp returns the timestamp of the next unread byte.
func (r *Reader) Timestamp() (int64, bool) {
	return r.ts, r.tsValid
}

// Unread returns the number of unread bytes per channel.
func (r *Reader) Unread() int {
	if r == nil {
		return 0
	}
	return r.filled
}

// Dropped returns the number of bytes lost to overflow.
func (r *Reader) Dropped() uint64 { return r.dropped }

// Reset discards unread data.
func (r *Reader) Reset() {
	if r.buf != nil {
		r.readIndex = r.buf.writeIndex
	}
	r.filled = 0
	r.tsValid = false
}
