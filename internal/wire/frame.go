package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Message type IDs.
const (
	MsgFormat       uint64 = 0x01
	MsgData         uint64 = 0x02
	MsgRenderConfig uint64 = 0x03
	MsgResync       uint64 = 0x04
)

// MaxPayload bounds a single message payload. One second of 8 channels of
// 32-bit audio at 96 kHz fits with room for metadata.
const MaxPayload = 4 << 20

// ReadMsg reads one message. r should be buffered; a reader that is not an
// io.ByteReader is wrapped, which is only safe for a single message.
func ReadMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", noEOF(err))
	}
	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", noEOF(err))
		}
	}
	return msgType, payload, nil
}

// WriteMsg writes one message as a single Write call.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 0, len(payload)+16)
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// noEOF turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// appendVarint appends v, rejecting values outside the varint range.
func appendVarint(buf []byte, v uint64) ([]byte, error) {
	if v > quicvarint.Max {
		return buf, fmt.Errorf("%w: %d", ErrValueRange, v)
	}
	return quicvarint.Append(buf, v), nil
}

// appendSigned appends the zigzag encoding of v.
func appendSigned(buf []byte, v int64) ([]byte, error) {
	return appendVarint(buf, uint64(v<<1)^uint64(v>>63))
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readSigned() (int64, error) {
	u, err := b.readVarint()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
