// Package audiofile decodes WAV, AIFF, MP3 and Ogg Vorbis files into
// timestamped deinterleaved PCM segments for publishing.
package audiofile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// Errors returned by Open and the decoders.
var (
	ErrUnsupported = errors.New("audiofile: unsupported file type")
	ErrInvalidFile = errors.New("audiofile: invalid file")
)

// Source is a decoded audio stream. Read fills buf.Data with interleaved
// integer samples at Format().BitsPerSample and returns how many were
// written; it returns io.EOF once the stream is exhausted.
type Source interface {
	Format() pcm.MediaFormat
	Read(buf *audio.IntBuffer) (int, error)
	Close() error
}

// Open picks a decoder by file extension.
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var src Source
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".wave":
		src, err = NewWAV(f)
	case ".aif", ".aiff":
		src, err = NewAIFF(f)
	case ".mp3":
		src, err = NewMP3(f)
	case ".ogg", ".oga":
		src, err = NewVorbis(f)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSource{Source: src, f: f}, nil
}

type fileSource struct {
	Source
	f *os.File
}

func (s *fileSource) Close() error {
	return errors.Join(s.Source.Close(), s.f.Close())
}

// Segmenter cuts a Source into segments of one frame duration with
// continuous timestamps.
type Segmenter struct {
	src     Source
	format  pcm.MediaFormat
	buf     *audio.IntBuffer
	startUs int64
	samples uint64
}

// NewSegmenter reads frameUs worth of samples per segment; the first
// segment is stamped startUs.
func NewSegmenter(src Source, frameUs, startUs int64) *Segmenter {
	f := src.Format()
	perChannel := max(f.FrameBytesPerChannel(frameUs)/f.BytesPerSample(), 1)
	return &Segmenter{
		src:    src,
		format: f,
		buf: &audio.IntBuffer{
			Format:         f.AudioFormat(),
			Data:           make([]int, perChannel*f.NumChannels),
			SourceBitDepth: f.BitsPerSample,
		},
		startUs: startUs,
	}
}

// Format returns the media format of the segments.
func (s *Segmenter) Format() pcm.MediaFormat { return s.format }

// Next returns the next segment, or io.EOF after the last one. The final
// segment may be shorter than a frame.
func (s *Segmenter) Next() (*media.Stream, error) {
	s.buf.Data = s.buf.Data[:cap(s.buf.Data)]
	n, err := s.src.Read(s.buf)
	n -= n % s.format.NumChannels
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	s.buf.Data = s.buf.Data[:n]
	chans, cerr := pcm.FromIntBuffer(s.format, s.buf)
	if cerr != nil {
		return nil, cerr
	}
	seg := &media.Stream{
		Data:      chans,
		Timestamp: s.startUs + int64(pcm.SamplesToUs(s.samples, s.format.SampleRate, nil)),
	}
	seg.Flags.TSValid = true
	s.samples += uint64(n / s.format.NumChannels)
	return seg, nil
}
