package audiofile

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/jfreymuth/oggvorbis"

	"github.com/zsiec/sprd/internal/pcm"
)

const vorbisBits = 16

type oggReader interface {
	SampleRate() int
	Channels() int
	Read([]float32) (int, error)
}

type vorbisSource struct {
	dec    oggReader
	format pcm.MediaFormat
	buf    []float32
}

// NewVorbis decodes Ogg Vorbis data to 16-bit PCM.
func NewVorbis(r io.Reader) (Source, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	return newVorbisSource(dec)
}

func newVorbisSource(dec oggReader) (Source, error) {
	f := pcm.MediaFormat{
		SampleRate:    dec.SampleRate(),
		BitsPerSample: vorbisBits,
		NumChannels:   dec.Channels(),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &vorbisSource{dec: dec, format: f}, nil
}

func (s *vorbisSource) Format() pcm.MediaFormat { return s.format }
func (s *vorbisSource) Close() error            { return nil }

// Read fills buf from the decoder, which returns interleaved values in
// [-1, 1] and never splits a sample frame.
func (s *vorbisSource) Read(buf *audio.IntBuffer) (int, error) {
	want := len(buf.Data) - len(buf.Data)%s.format.NumChannels
	if cap(s.buf) < want {
		s.buf = make([]float32, want)
	}
	s.buf = s.buf[:want]

	total := 0
	for total < want {
		n, err := s.dec.Read(s.buf[total:])
		for i := total; i < total+n; i++ {
			buf.Data[i] = floatToInt16(s.buf[i])
		}
		total += n
		if err != nil {
			if total > 0 && err == io.EOF {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func floatToInt16(v float32) int {
	v = max(-1, min(1, v))
	return int(math.Round(float64(v) * math.MaxInt16))
}
