package wire

import (
	"fmt"
	"math"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// Data flag bits.
const (
	flagTSValid   byte = 1 << 0
	flagErasure   byte = 1 << 1
	flagMarkerEOS byte = 1 << 2
)

// EOS flag bits of a metadata item.
const (
	eosFlushing byte = 1 << 0
	eosInternal byte = 1 << 1
)

// Render window presence bits. An absent bound is unbounded.
const (
	windowHasStart byte = 1 << 0
	windowHasEnd   byte = 1 << 1
)

// Message is one decoded protocol message.
type Message interface {
	Type() uint64
}

// Format announces the media format of the data that follows.
type Format struct {
	Format pcm.MediaFormat
}

// Data carries one deinterleaved segment and its metadata.
type Data struct {
	Stream *media.Stream
}

// RenderConfig replaces the render configuration of the session.
type RenderConfig struct {
	Config avsync.Config
}

// Resync asks the renderer to rebaseline timer drift.
type Resync struct{}

func (Format) Type() uint64       { return MsgFormat }
func (Data) Type() uint64         { return MsgData }
func (RenderConfig) Type() uint64 { return MsgRenderConfig }
func (Resync) Type() uint64       { return MsgResync }

// SerializeFormat serializes a FORMAT payload.
func SerializeFormat(f pcm.MediaFormat) ([]byte, error) {
	var buf []byte
	var err error
	for _, v := range []int{f.SampleRate, f.BitsPerSample, f.NumChannels} {
		if v < 0 {
			return nil, fmt.Errorf("%w: negative format field %d", ErrValueRange, v)
		}
		if buf, err = appendVarint(buf, uint64(v)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ParseFormat parses a FORMAT payload. The format is not validated here;
// the renderer rejects unusable formats.
func ParseFormat(data []byte) (pcm.MediaFormat, error) {
	r := newBufReader(data)
	var f pcm.MediaFormat

	fields := []struct {
		name string
		dst  *int
	}{
		{"sample_rate", &f.SampleRate},
		{"bits_per_sample", &f.BitsPerSample},
		{"num_channels", &f.NumChannels},
	}
	for _, fld := range fields {
		v, err := r.readVarint()
		if err != nil {
			return f, &ParseError{Field: fld.name, Err: err}
		}
		if v > 1<<31 {
			return f, &ParseError{Field: fld.name, Err: ErrValueRange}
		}
		*fld.dst = int(v)
	}
	return f, nil
}

// SerializeData serializes a DATA payload. Every channel must hold the
// same number of bytes.
func SerializeData(s *media.Stream) ([]byte, error) {
	n := s.Len()
	size := 16 + n*len(s.Data)
	buf := make([]byte, 0, size)

	var flags byte
	if s.Flags.TSValid {
		flags |= flagTSValid
	}
	if s.Flags.Erasure {
		flags |= flagErasure
	}
	if s.Flags.MarkerEOS {
		flags |= flagMarkerEOS
	}
	buf = append(buf, flags)

	buf, err := appendSigned(buf, s.Timestamp)
	if err != nil {
		return nil, err
	}

	buf, _ = appendVarint(buf, uint64(len(s.Data)))
	for ch, d := range s.Data {
		if len(d) != n {
			return nil, fmt.Errorf("%w: channel %d has %d bytes, want %d", ErrLayout, ch, len(d), n)
		}
		buf = appendVarIntBytes(buf, d)
	}

	buf, _ = appendVarint(buf, uint64(len(s.Metadata)))
	for _, md := range s.Metadata {
		if md.ID < 0 {
			return nil, fmt.Errorf("%w: metadata id %d", ErrValueRange, md.ID)
		}
		buf, _ = appendVarint(buf, uint64(md.ID))
		buf, _ = appendVarint(buf, uint64(md.Offset))
		var eos byte
		if md.EOS.Flushing {
			eos |= eosFlushing
		}
		if md.EOS.Internal {
			eos |= eosInternal
		}
		buf = append(buf, eos)
		buf, _ = appendVarint(buf, uint64(md.SpeedFactor))
		buf = appendVarIntBytes(buf, []byte(md.Tag))
		buf = appendVarIntBytes(buf, md.Payload)
	}
	return buf, nil
}

// ParseData parses a DATA payload. The channel slices and metadata
// payloads alias data. When bytesPerSample is positive every channel must
// hold a whole number of samples.
func ParseData(data []byte, bytesPerSample int) (*media.Stream, error) {
	r := newBufReader(data)
	s := &media.Stream{}

	flags, err := r.readByte()
	if err != nil {
		return nil, &ParseError{Field: "flags", Err: err}
	}
	s.Flags = media.Flags{
		TSValid:   flags&flagTSValid != 0,
		Erasure:   flags&flagErasure != 0,
		MarkerEOS: flags&flagMarkerEOS != 0,
	}

	if s.Timestamp, err = r.readSigned(); err != nil {
		return nil, &ParseError{Field: "timestamp", Err: err}
	}

	numChannels, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "num_channels", Err: err}
	}
	if numChannels > pcm.MaxChannels {
		return nil, &ParseError{Field: "num_channels", Err: ErrValueRange}
	}
	s.Data = make([][]byte, numChannels)
	for ch := range s.Data {
		d, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "channel_data", Err: err}
		}
		if ch > 0 && len(d) != len(s.Data[0]) {
			return nil, &ParseError{Field: "channel_data", Err: ErrLayout}
		}
		if bytesPerSample > 0 && len(d)%bytesPerSample != 0 {
			return nil, &ParseError{Field: "channel_data", Err: ErrAlignment}
		}
		s.Data[ch] = d
	}

	numMetadata, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "num_metadata", Err: err}
	}
	for i := uint64(0); i < numMetadata; i++ {
		md, err := parseMetadata(r)
		if err != nil {
			return nil, err
		}
		s.Metadata = append(s.Metadata, md)
	}
	return s, nil
}

func parseMetadata(r *bufReader) (*media.Metadata, error) {
	md := &media.Metadata{}

	id, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "metadata_id", Err: err}
	}
	md.ID = media.MetadataID(id)

	offset, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "metadata_offset", Err: err}
	}
	if offset > math.MaxUint32 {
		return nil, &ParseError{Field: "metadata_offset", Err: ErrValueRange}
	}
	md.Offset = uint32(offset)

	eos, err := r.readByte()
	if err != nil {
		return nil, &ParseError{Field: "metadata_eos", Err: err}
	}
	md.EOS = media.EOS{Flushing: eos&eosFlushing != 0, Internal: eos&eosInternal != 0}

	speed, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "metadata_speed_factor", Err: err}
	}
	if speed > math.MaxUint32 {
		return nil, &ParseError{Field: "metadata_speed_factor", Err: ErrValueRange}
	}
	md.SpeedFactor = uint32(speed)

	tag, err := r.readVarIntBytes()
	if err != nil {
		return nil, &ParseError{Field: "metadata_tag", Err: err}
	}
	md.Tag = string(tag)

	payload, err := r.readVarIntBytes()
	if err != nil {
		return nil, &ParseError{Field: "metadata_payload", Err: err}
	}
	if len(payload) > 0 {
		md.Payload = payload
	}
	return md, nil
}

// SerializeRenderConfig serializes a RENDER_CONFIG payload. Window bounds
// at the int64 limits are sent as absent.
func SerializeRenderConfig(c avsync.Config) ([]byte, error) {
	var buf []byte
	buf, _ = appendVarint(buf, uint64(c.Mode))
	buf, _ = appendVarint(buf, uint64(c.Reference))
	buf, err := appendSigned(buf, c.StartTimeUs)
	if err != nil {
		return nil, err
	}

	def := avsync.DefaultConfig()
	var window byte
	if c.WindowStartUs != def.WindowStartUs {
		window |= windowHasStart
	}
	if c.WindowEndUs != def.WindowEndUs {
		window |= windowHasEnd
	}
	buf = append(buf, window)
	if window&windowHasStart != 0 {
		if buf, err = appendSigned(buf, c.WindowStartUs); err != nil {
			return nil, err
		}
	}
	if window&windowHasEnd != 0 {
		if buf, err = appendSigned(buf, c.WindowEndUs); err != nil {
			return nil, err
		}
	}

	if c.HoldDurationUs < 0 {
		return nil, fmt.Errorf("%w: hold duration %d", ErrValueRange, c.HoldDurationUs)
	}
	return appendVarint(buf, uint64(c.HoldDurationUs))
}

// ParseRenderConfig parses a RENDER_CONFIG payload. The result is not
// validated.
func ParseRenderConfig(data []byte) (avsync.Config, error) {
	r := newBufReader(data)
	c := avsync.DefaultConfig()

	mode, err := r.readVarint()
	if err != nil {
		return c, &ParseError{Field: "mode", Err: err}
	}
	c.Mode = avsync.Mode(mode)

	ref, err := r.readVarint()
	if err != nil {
		return c, &ParseError{Field: "reference", Err: err}
	}
	c.Reference = avsync.Reference(ref)

	if c.StartTimeUs, err = r.readSigned(); err != nil {
		return c, &ParseError{Field: "start_time", Err: err}
	}

	window, err := r.readByte()
	if err != nil {
		return c, &ParseError{Field: "window", Err: err}
	}
	if window&windowHasStart != 0 {
		if c.WindowStartUs, err = r.readSigned(); err != nil {
			return c, &ParseError{Field: "window_start", Err: err}
		}
	}
	if window&windowHasEnd != 0 {
		if c.WindowEndUs, err = r.readSigned(); err != nil {
			return c, &ParseError{Field: "window_end", Err: err}
		}
	}

	hold, err := r.readVarint()
	if err != nil {
		return c, &ParseError{Field: "hold_duration", Err: err}
	}
	c.HoldDurationUs = int64(hold)
	return c, nil
}
