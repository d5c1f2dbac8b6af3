// Package pcm describes deinterleaved PCM media formats and the byte/time
// conversions shared by the ring buffer, the render engine and the queues.
package pcm

import (
	"errors"
	"fmt"

	"github.com/go-audio/audio"
)

// Supported sample rate and channel bounds.
const (
	MinSampleRate = 8000
	MaxSampleRate = 384000
	MaxChannels   = 32
)

const (
	usPerSec = 1_000_000
	usPerMs  = 1000
	msPerSec = 1000

	// Samples are converted to time with 10^8 precision. The fraction below
	// one microsecond is carried by the caller so long sessions do not drift.
	timeConvPerSec = 100_000_000
	timeConvPerUs  = timeConvPerSec / usPerSec
)

// ErrInvalidFormat is returned by Validate for unusable media formats.
var ErrInvalidFormat = errors.New("pcm: invalid media format")

// MediaFormat is the operating format of a deinterleaved PCM stream. Each
// channel lives in its own byte slice; BitsPerSample is the container width.
type MediaFormat struct {
	SampleRate    int
	BitsPerSample int
	NumChannels   int
}

// Validate reports whether the format can be rendered.
func (f MediaFormat) Validate() error {
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	switch f.BitsPerSample {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	if f.NumChannels < 1 || f.NumChannels > MaxChannels {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.NumChannels)
	}
	return nil
}

// IsZero reports whether the format has not been set.
func (f MediaFormat) IsZero() bool {
	return f == MediaFormat{}
}

// BytesPerSample returns the container size of one sample.
func (f MediaFormat) BytesPerSample() int {
	return f.BitsPerSample / 8
}

// BytesToUs converts a per-channel byte count to microseconds.
func (f MediaFormat) BytesToUs(n int) int64 {
	bps := f.BytesPerSample()
	if bps == 0 || f.SampleRate == 0 {
		return 0
	}
	samples := int64(n / bps)
	return samples * usPerSec / int64(f.SampleRate)
}

// UsToBytes converts a duration to a whole number of per-channel bytes.
func (f MediaFormat) UsToBytes(us int64) int {
	if us <= 0 {
		return 0
	}
	samples := us * int64(f.SampleRate) / usPerSec
	return int(samples) * f.BytesPerSample()
}

// FrameBytesPerChannel returns the per-channel size of one frame of frameUs.
// The sample rate is reduced to whole samples per millisecond first, which
// keeps frames at 44.1 kHz family rates an integral number of samples.
func (f MediaFormat) FrameBytesPerChannel(frameUs int64) int {
	return (f.SampleRate / msPerSec) * int(frameUs) / usPerMs * f.BytesPerSample()
}

// SamplesToUs converts samples to microseconds. fract carries the sub
// microsecond remainder between calls and may be nil.
func SamplesToUs(samples uint64, sampleRate int, fract *uint64) uint64 {
	if sampleRate <= 0 {
		return 0
	}
	net := samples * timeConvPerSec / uint64(sampleRate)
	if fract != nil {
		net += *fract
	}
	us := net / timeConvPerUs
	if fract != nil {
		*fract = net - us*timeConvPerUs
	}
	return us
}

// AudioFormat returns the go-audio descriptor for this format.
func (f MediaFormat) AudioFormat() *audio.Format {
	return &audio.Format{
		NumChannels: f.NumChannels,
		SampleRate:  f.SampleRate,
	}
}

func (f MediaFormat) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.NumChannels)
}
