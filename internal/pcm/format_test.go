package pcm

import (
	"bytes"
	"errors"
	"testing"
)

var stereo48k = MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 2}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    MediaFormat
		ok   bool
	}{
		{"stereo 48k", stereo48k, true},
		{"low rate", MediaFormat{SampleRate: 4000, BitsPerSample: 16, NumChannels: 1}, false},
		{"odd bits", MediaFormat{SampleRate: 48000, BitsPerSample: 12, NumChannels: 1}, false},
		{"no channels", MediaFormat{SampleRate: 48000, BitsPerSample: 16}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.f.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFormat) {
				t.Fatalf("got %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	t.Parallel()

	if got := stereo48k.FrameBytesPerChannel(1000); got != 96 {
		t.Fatalf("frame bytes: got %d, want 96", got)
	}
	if got := stereo48k.FrameBytesPerChannel(5000); got != 480 {
		t.Fatalf("frame bytes: got %d, want 480", got)
	}
	if got := stereo48k.BytesToUs(96); got != 1000 {
		t.Fatalf("bytes to us: got %d, want 1000", got)
	}
	if got := stereo48k.UsToBytes(4000); got != 384 {
		t.Fatalf("us to bytes: got %d, want 384", got)
	}
	if got := stereo48k.UsToBytes(-10); got != 0 {
		t.Fatalf("negative us: got %d, want 0", got)
	}
}

func TestSamplesToUsCarriesFraction(t *testing.T) {
	t.Parallel()

	// 147 samples at 44.1 kHz is 3333.33 us.
	var fract uint64
	var carried, truncated uint64
	for i := 0; i < 6; i++ {
		carried += SamplesToUs(147, 44100, &fract)
		truncated += SamplesToUs(147, 44100, nil)
	}
	if carried != 19999 {
		t.Fatalf("carried: got %d us, want 19999", carried)
	}
	if truncated != 19998 {
		t.Fatalf("truncated: got %d us, want 19998", truncated)
	}
	if got := SamplesToUs(441, 44100, nil); got != 10000 {
		t.Fatalf("got %d, want 10000", got)
	}
}

func TestInterleaveRoundTrip(t *testing.T) {
	t.Parallel()

	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	chans := Deinterleave(stereo48k, in)
	if !bytes.Equal(chans[0], []byte{1, 2, 5, 6}) {
		t.Fatalf("left: got %v", chans[0])
	}
	if !bytes.Equal(chans[1], []byte{3, 4, 7, 8}) {
		t.Fatalf("right: got %v", chans[1])
	}
	if out := Interleave(stereo48k, chans); !bytes.Equal(out, in) {
		t.Fatalf("got %v, want %v", out, in)
	}
}

func TestToIntBuffer(t *testing.T) {
	t.Parallel()

	chans := [][]byte{{0xff, 0xff}, {0x01, 0x00}}
	buf, err := ToIntBuffer(stereo48k, chans)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf.Data) != 2 || buf.Data[0] != -1 || buf.Data[1] != 1 {
		t.Fatalf("got %v, want [-1 1]", buf.Data)
	}
	if buf.Format.SampleRate != 48000 || buf.SourceBitDepth != 16 {
		t.Fatalf("unexpected format %+v depth %d", buf.Format, buf.SourceBitDepth)
	}

	if _, err := ToIntBuffer(stereo48k, chans[:1]); err == nil {
		t.Fatal("expected channel count error")
	}
}

func TestFromIntBufferRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		f     MediaFormat
		chans [][]byte
	}{
		{"16-bit stereo", stereo48k, [][]byte{{0xff, 0xff, 0x00, 0x80}, {0x01, 0x00, 0xff, 0x7f}}},
		{"24-bit mono", MediaFormat{SampleRate: 48000, BitsPerSample: 24, NumChannels: 1}, [][]byte{{0x00, 0x00, 0x80, 0xff, 0xff, 0x7f}}},
		{"32-bit mono", MediaFormat{SampleRate: 44100, BitsPerSample: 32, NumChannels: 1}, [][]byte{{0x01, 0x02, 0x03, 0x84}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf, err := ToIntBuffer(tt.f, tt.chans)
			if err != nil {
				t.Fatal(err)
			}
			got, err := FromIntBuffer(tt.f, buf)
			if err != nil {
				t.Fatal(err)
			}
			for ch := range tt.chans {
				if !bytes.Equal(got[ch], tt.chans[ch]) {
					t.Fatalf("channel %d: got %v, want %v", ch, got[ch], tt.chans[ch])
				}
			}
		})
	}
}

func TestFromIntBufferRejectsBadDepth(t *testing.T) {
	t.Parallel()

	_, err := FromIntBuffer(MediaFormat{SampleRate: 48000, BitsPerSample: 4, NumChannels: 1}, nil)
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("got %v, want ErrInvalidFormat", err)
	}
}
