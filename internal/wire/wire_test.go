package wire

import (
	"bytes"
	"errors"
	"io"
	"math"
	"slices"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

func TestMsgRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte("hello")
	var buf bytes.Buffer
	if err := WriteMsg(&buf, MsgData, payload); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadMsg(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgData {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgData)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestReadMsgTruncated(t *testing.T) {
	t.Parallel()

	withType := slices.Clip(quicvarint.Append(nil, MsgData))
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: io.EOF},
		{name: "missing length", data: withType, want: io.ErrUnexpectedEOF},
		{name: "short payload", data: append(quicvarint.Append(withType, 10), 1, 2, 3), want: io.ErrUnexpectedEOF},
		{name: "oversized", data: quicvarint.Append(withType, MaxPayload+1), want: ErrFrameTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := ReadMsg(bytes.NewReader(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()

	in := &media.Stream{
		Data:      [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}},
		Timestamp: -42_000,
		Flags:     media.Flags{TSValid: true, MarkerEOS: true},
		Metadata: []*media.Metadata{
			{ID: media.MetadataEOS, Offset: 2, EOS: media.EOS{Flushing: true}},
			{ID: media.MetadataScaleSessionTime, SpeedFactor: 3 << 23, Offset: 1},
			{ID: media.MetadataCustom, Tag: "cue", Payload: []byte{0xde, 0xad}},
		},
	}
	payload, err := SerializeData(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseData(payload, 2)
	if err != nil {
		t.Fatal(err)
	}

	if out.Timestamp != in.Timestamp || out.Flags != in.Flags {
		t.Fatalf("got ts %d flags %+v, want ts %d flags %+v", out.Timestamp, out.Flags, in.Timestamp, in.Flags)
	}
	if len(out.Data) != 2 || !bytes.Equal(out.Data[1], in.Data[1]) {
		t.Fatalf("got data %v, want %v", out.Data, in.Data)
	}
	if len(out.Metadata) != len(in.Metadata) {
		t.Fatalf("got %d metadata items, want %d", len(out.Metadata), len(in.Metadata))
	}
	for i, md := range out.Metadata {
		want := in.Metadata[i]
		if md.ID != want.ID || md.Offset != want.Offset || md.EOS != want.EOS ||
			md.SpeedFactor != want.SpeedFactor || md.Tag != want.Tag || !bytes.Equal(md.Payload, want.Payload) {
			t.Fatalf("metadata %d: got %+v, want %+v", i, md, want)
		}
	}
}

func TestSerializeDataRejectsBadLayout(t *testing.T) {
	t.Parallel()

	_, err := SerializeData(&media.Stream{Data: [][]byte{{1, 2}, {3}}})
	if !errors.Is(err, ErrLayout) {
		t.Fatalf("got %v, want ErrLayout", err)
	}
	_, err = SerializeData(&media.Stream{Data: [][]byte{{1}}, Timestamp: 1 << 62})
	if !errors.Is(err, ErrValueRange) {
		t.Fatalf("got %v, want ErrValueRange", err)
	}
}

func TestParseDataTruncated(t *testing.T) {
	t.Parallel()

	payload, err := SerializeData(&media.Stream{
		Data:     [][]byte{{1, 2, 3, 4}},
		Metadata: []*media.Metadata{{ID: media.MetadataCustom, Tag: "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < len(payload); n++ {
		_, err := ParseData(payload[:n], 0)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("prefix %d: got %v, want *ParseError", n, err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("prefix %d: got %v, want io.ErrUnexpectedEOF", n, err)
		}
	}
}

func TestParseDataRejectsPartialSamples(t *testing.T) {
	t.Parallel()

	payload, err := SerializeData(&media.Stream{Data: [][]byte{{1, 2, 3}, {4, 5, 6}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseData(payload, 0); err != nil {
		t.Fatalf("unchecked parse: %v", err)
	}
	if _, err := ParseData(payload, 3); err != nil {
		t.Fatalf("24-bit parse: %v", err)
	}
	_, err = ParseData(payload, 2)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "channel_data" || !errors.Is(err, ErrAlignment) {
		t.Fatalf("got %v, want ErrAlignment on channel_data", err)
	}
}

func TestParseDataRejectsWideMetadataFields(t *testing.T) {
	t.Parallel()

	// One empty channel, then a metadata item built by hand so its fields
	// can exceed 32 bits.
	item := func(offset, speed uint64) []byte {
		b := []byte{0}
		b = quicvarint.Append(b, 0)
		b = quicvarint.Append(b, 1)
		b = quicvarint.Append(b, 0)
		b = quicvarint.Append(b, 1)
		b = quicvarint.Append(b, uint64(media.MetadataCustom))
		b = quicvarint.Append(b, offset)
		b = append(b, 0)
		b = quicvarint.Append(b, speed)
		b = quicvarint.Append(b, 0)
		return quicvarint.Append(b, 0)
	}

	tests := []struct {
		name  string
		data  []byte
		field string
	}{
		{"offset", item(1<<32, 0), "metadata_offset"},
		{"speed factor", item(0, 1<<32), "metadata_speed_factor"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseData(tc.data, 0)
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Field != tc.field || !errors.Is(err, ErrValueRange) {
				t.Fatalf("got %v, want ErrValueRange on %s", err, tc.field)
			}
		})
	}

	s, err := ParseData(item(math.MaxUint32, 0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Metadata[0].Offset; got != math.MaxUint32 {
		t.Fatalf("offset = %d, want %d", got, uint32(math.MaxUint32))
	}
}

func TestRenderConfigWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  avsync.Config
	}{
		{name: "defaults", cfg: avsync.DefaultConfig()},
		{
			name: "absolute with window",
			cfg: avsync.Config{
				Mode:           avsync.ModeAbsolute,
				StartTimeUs:    1_700_000_000_000_000,
				Reference:      avsync.RefWallClock,
				WindowStartUs:  -10_000,
				WindowEndUs:    20_000,
				HoldDurationUs: 500_000,
			},
		},
		{
			name: "open end",
			cfg: func() avsync.Config {
				c := avsync.DefaultConfig()
				c.WindowStartUs = 0
				return c
			}(),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			payload, err := SerializeRenderConfig(tc.cfg)
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParseRenderConfig(payload)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.cfg {
				t.Fatalf("got %+v, want %+v", got, tc.cfg)
			}
		})
	}
}

func TestDecoderStream(t *testing.T) {
	t.Parallel()

	format := pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 1}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msgs := []Message{
		Format{Format: format},
		RenderConfig{Config: avsync.DefaultConfig()},
		Data{Stream: &media.Stream{Data: [][]byte{{9, 9}}, Timestamp: 5000, Flags: media.Flags{TSValid: true}}},
		Resync{},
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatal(err)
		}
	}
	// A message from a newer publisher sits between known ones.
	if err := WriteMsg(&buf, 0x3f, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(Resync{}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.Type() != want.Type() {
			t.Fatalf("message %d: type %#x, want %#x", i, got.Type(), want.Type())
		}
	}
	if _, err := dec.Next(); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("got %v, want ErrUnknownMessage", err)
	}
	if m, err := dec.Next(); err != nil || m.Type() != MsgResync {
		t.Fatalf("after unknown: got %v, %v", m, err)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestDecoderSkipsPartialSampleData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msgs := []Message{
		Data{Stream: &media.Stream{Data: [][]byte{{1, 2, 3}}}},
		Format{Format: pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 1}},
		Data{Stream: &media.Stream{Data: [][]byte{{1, 2, 3}}}},
		Data{Stream: &media.Stream{Data: [][]byte{{1, 2, 3, 4}}}},
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	if m, err := dec.Next(); err != nil || m.Type() != MsgData {
		t.Fatalf("data before format: got %v, %v", m, err)
	}
	if _, err := dec.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Next(); !errors.Is(err, ErrAlignment) {
		t.Fatalf("got %v, want ErrAlignment", err)
	}
	m, err := dec.Next()
	if err != nil {
		t.Fatalf("after partial sample: %v", err)
	}
	if d, ok := m.(Data); !ok || d.Stream.Len() != 4 {
		t.Fatalf("got %+v, want 4-byte data", m)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	want := pcm.MediaFormat{SampleRate: 44100, BitsPerSample: 24, NumChannels: 6}
	payload, err := SerializeFormat(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseFormat(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}

	_, err = ParseFormat(payload[:quicvarint.Len(44100)])
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "bits_per_sample" {
		t.Fatalf("got %v, want ParseError on bits_per_sample", err)
	}
}
