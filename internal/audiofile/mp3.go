package audiofile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/zsiec/sprd/internal/pcm"
)

// go-mp3 always decodes to interleaved 16-bit little-endian stereo.
const (
	mp3Channels = 2
	mp3Bits     = 16
)

type mp3Reader interface {
	Read([]byte) (int, error)
	SampleRate() int
}

type mp3Source struct {
	dec    mp3Reader
	format pcm.MediaFormat
	buf    []byte
}

// NewMP3 decodes MPEG-1/2 layer III data.
func NewMP3(r io.Reader) (Source, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	return newMP3Source(dec)
}

func newMP3Source(dec mp3Reader) (Source, error) {
	f := pcm.MediaFormat{
		SampleRate:    dec.SampleRate(),
		BitsPerSample: mp3Bits,
		NumChannels:   mp3Channels,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &mp3Source{dec: dec, format: f}, nil
}

func (s *mp3Source) Format() pcm.MediaFormat { return s.format }
func (s *mp3Source) Close() error            { return nil }

func (s *mp3Source) Read(buf *audio.IntBuffer) (int, error) {
	want := len(buf.Data) * 2
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	s.buf = s.buf[:want]

	n, err := io.ReadFull(s.dec, s.buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	samples := n / 2
	for i := range samples {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(s.buf[2*i:])))
	}
	if samples == 0 && err == nil {
		err = io.EOF
	}
	return samples, err
}
