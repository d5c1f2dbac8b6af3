package audiofile

import (
	"fmt"
	"io"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/zsiec/sprd/internal/pcm"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// pcmDecoder is the part of the go-audio WAV and AIFF decoders in use.
type pcmDecoder interface {
	PCMBuffer(buf *audio.IntBuffer) (int, error)
}

type intSource struct {
	dec    pcmDecoder
	format pcm.MediaFormat
}

func (s *intSource) Format() pcm.MediaFormat { return s.format }
func (s *intSource) Close() error            { return nil }

func (s *intSource) Read(buf *audio.IntBuffer) (int, error) {
	n, err := s.dec.PCMBuffer(buf)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// NewWAV decodes integer PCM WAV data.
func NewWAV(r io.ReadSeeker) (Source, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a WAV file", ErrInvalidFile)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: WAV audio format %d", ErrUnsupported, dec.WavAudioFormat)
	}
	f := pcm.MediaFormat{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		NumChannels:   int(dec.NumChans),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &intSource{dec: dec, format: f}, nil
}

// NewAIFF decodes AIFF data.
func NewAIFF(r io.ReadSeeker) (Source, error) {
	dec := aiff.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not an AIFF file", ErrInvalidFile)
	}
	dec.ReadInfo()
	af := dec.Format()
	if af == nil {
		return nil, fmt.Errorf("%w: AIFF without format", ErrInvalidFile)
	}
	f := pcm.MediaFormat{
		SampleRate:    af.SampleRate,
		BitsPerSample: int(dec.BitDepth),
		NumChannels:   af.NumChannels,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &intSource{dec: dec, format: f}, nil
}
