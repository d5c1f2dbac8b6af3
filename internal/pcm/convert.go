package pcm

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
)

// Deinterleave splits little-endian interleaved PCM into one slice per
// channel. Trailing bytes that do not form a whole frame are ignored.
func Deinterleave(f MediaFormat, data []byte) [][]byte {
	bps := f.BytesPerSample()
	frame := bps * f.NumChannels
	if frame == 0 {
		return nil
	}
	frames := len(data) / frame
	out := make([][]byte, f.NumChannels)
	for ch := range out {
		out[ch] = make([]byte, frames*bps)
	}
	for i := 0; i < frames; i++ {
		base := i * frame
		for ch := 0; ch < f.NumChannels; ch++ {
			copy(out[ch][i*bps:(i+1)*bps], data[base+ch*bps:base+(ch+1)*bps])
		}
	}
	return out
}

// Interleave is the inverse of Deinterleave. All channels must hold the
// same number of bytes.
func Interleave(f MediaFormat, chans [][]byte) []byte {
	if len(chans) == 0 {
		return nil
	}
	bps := f.BytesPerSample()
	samples := len(chans[0]) / bps
	out := make([]byte, samples*bps*len(chans))
	for i := 0; i < samples; i++ {
		for ch := range chans {
			dst := (i*len(chans) + ch) * bps
			copy(out[dst:dst+bps], chans[ch][i*bps:(i+1)*bps])
		}
	}
	return out
}

// ToIntBuffer converts deinterleaved channels into an interleaved
// audio.IntBuffer suitable for the go-audio encoders.
func ToIntBuffer(f MediaFormat, chans [][]byte) (*audio.IntBuffer, error) {
	if len(chans) != f.NumChannels {
		return nil, fmt.Errorf("pcm: got %d channels, format has %d", len(chans), f.NumChannels)
	}
	bps := f.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	samples := 0
	if len(chans) > 0 {
		samples = len(chans[0]) / bps
	}

	data := make([]int, samples*f.NumChannels)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < f.NumChannels; ch++ {
			off := i * bps
			var v int
			switch bps {
			case 2:
				v = int(int16(binary.LittleEndian.Uint16(chans[ch][off:])))
			case 3:
				u := uint32(chans[ch][off]) | uint32(chans[ch][off+1])<<8 | uint32(chans[ch][off+2])<<16
				if u&0x800000 != 0 {
					u |= 0xFF000000
				}
				v = int(int32(u))
			case 4:
				v = int(int32(binary.LittleEndian.Uint32(chans[ch][off:])))
			}
			data[i*f.NumChannels+ch] = v
		}
	}

	return &audio.IntBuffer{
		Format:         f.AudioFormat(),
		Data:           data,
		SourceBitDepth: f.BitsPerSample,
	}, nil
}

// Zero clears every channel buffer.
func Zero(chans [][]byte) {
	for _, c := range chans {
		clear(c)
	}
}

// MakeChannels allocates n channels of size bytes each.
func MakeChannels(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
	}
	return out
}

// FromIntBuffer is the inverse of ToIntBuffer. Samples are truncated to
// the bit depth of f.
func FromIntBuffer(f MediaFormat, buf *audio.IntBuffer) ([][]byte, error) {
	bps := f.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	if buf == nil {
		return MakeChannels(f.NumChannels, 0), nil
	}
	samples := len(buf.Data) / f.NumChannels
	out := MakeChannels(f.NumChannels, samples*bps)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < f.NumChannels; ch++ {
			v := uint32(int32(buf.Data[i*f.NumChannels+ch]))
			off := i * bps
			switch bps {
			case 2:
				binary.LittleEndian.PutUint16(out[ch][off:], uint16(v))
			case 3:
				out[ch][off] = byte(v)
				out[ch][off+1] = byte(v >> 8)
				out[ch][off+2] = byte(v >> 16)
			case 4:
				binary.LittleEndian.PutUint32(out[ch][off:], v)
			}
		}
	}
	return out, nil
}
