package srt

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/zsiec/sprd/internal/ingest"
	"github.com/zsiec/sprd/internal/pcm"
)

// ParseStreamID maps an SRT stream ID to an ingest source. The path is the
// stream key; a query selects raw PCM and its format, for example
// "live/studio?format=raw&rate=48000&channels=2&bits=16". Without a query
// the publisher speaks the framed protocol.
func ParseStreamID(streamID string) (ingest.Source, error) {
	path, query, _ := strings.Cut(streamID, "?")
	src := ingest.Source{Key: extractStreamKey(path), Format: ingest.FormatFramedPCM}
	if query == "" {
		return src, nil
	}

	q, err := url.ParseQuery(query)
	if err != nil {
		return src, fmt.Errorf("stream id query: %w", err)
	}
	switch q.Get("format") {
	case "", "framed":
		return src, nil
	case "raw":
	default:
		return src, fmt.Errorf("stream id: unknown format %q", q.Get("format"))
	}

	src.Format = ingest.FormatRawPCM
	src.Raw = pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 2}
	fields := []struct {
		key string
		dst *int
	}{
		{"rate", &src.Raw.SampleRate},
		{"bits", &src.Raw.BitsPerSample},
		{"channels", &src.Raw.NumChannels},
	}
	for _, f := range fields {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return src, fmt.Errorf("stream id %s: %w", f.key, err)
		}
		*f.dst = n
	}
	if err := src.Raw.Validate(); err != nil {
		return src, fmt.Errorf("stream id: %w", err)
	}
	return src, nil
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
