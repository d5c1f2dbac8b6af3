package wire

import (
	"bufio"
	"fmt"
	"io"
)

// Decoder reads messages from a byte stream. It remembers the sample size
// of the last valid FORMAT so DATA that splits a sample is rejected.
type Decoder struct {
	r              *bufio.Reader
	bytesPerSample int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next reads and parses the next message. At a clean end of stream the
// error wraps io.EOF. Unknown message types are reported with
// ErrUnknownMessage and DATA splitting a sample with ErrAlignment; both
// can be skipped by calling Next again.
func (d *Decoder) Next() (Message, error) {
	msgType, payload, err := ReadMsg(d.r)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case MsgFormat:
		f, err := ParseFormat(payload)
		if err != nil {
			return nil, err
		}
		if f.Validate() == nil {
			d.bytesPerSample = f.BytesPerSample()
		}
		return Format{Format: f}, nil
	case MsgData:
		s, err := ParseData(payload, d.bytesPerSample)
		if err != nil {
			return nil, err
		}
		return Data{Stream: s}, nil
	case MsgRenderConfig:
		c, err := ParseRenderConfig(payload)
		if err != nil {
			return nil, err
		}
		return RenderConfig{Config: c}, nil
	case MsgResync:
		return Resync{}, nil
	default:
		return nil, fmt.Errorf("%w: %#x (%d bytes)", ErrUnknownMessage, msgType, len(payload))
	}
}

// Encoder writes messages to a byte stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes m and writes it as one frame.
func (e *Encoder) Encode(m Message) error {
	var payload []byte
	var err error
	switch m := m.(type) {
	case Format:
		payload, err = SerializeFormat(m.Format)
	case Data:
		payload, err = SerializeData(m.Stream)
	case RenderConfig:
		payload, err = SerializeRenderConfig(m.Config)
	case Resync:
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	if err != nil {
		return err
	}
	return WriteMsg(e.w, m.Type(), payload)
}
