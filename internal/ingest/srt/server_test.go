package srt

import (
	"testing"

	"github.com/zsiec/sprd/internal/ingest"
	"github.com/zsiec/sprd/internal/pcm"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "studio1", want: "studio1"},
		{name: "leading slash", streamID: "/studio1", want: "studio1"},
		{name: "live prefix", streamID: "live/studio1", want: "studio1"},
		{name: "slash and live prefix", streamID: "/live/studio1", want: "studio1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/mic1", want: "studio/mic1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     ingest.Source
		wantErr  bool
	}{
		{
			name:     "framed by default",
			streamID: "live/studio",
			want:     ingest.Source{Key: "studio", Format: ingest.FormatFramedPCM},
		},
		{
			name:     "explicit framed",
			streamID: "live/studio?format=framed",
			want:     ingest.Source{Key: "studio", Format: ingest.FormatFramedPCM},
		},
		{
			name:     "raw defaults",
			streamID: "live/mic?format=raw",
			want: ingest.Source{Key: "mic", Format: ingest.FormatRawPCM,
				Raw: pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 2}},
		},
		{
			name:     "raw with format",
			streamID: "/live/mic?format=raw&rate=44100&bits=24&channels=1",
			want: ingest.Source{Key: "mic", Format: ingest.FormatRawPCM,
				Raw: pcm.MediaFormat{SampleRate: 44100, BitsPerSample: 24, NumChannels: 1}},
		},
		{name: "unknown format", streamID: "live/mic?format=mp3", wantErr: true},
		{name: "bad rate", streamID: "live/mic?format=raw&rate=fast", wantErr: true},
		{name: "invalid raw format", streamID: "live/mic?format=raw&bits=12", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStreamID(tc.streamID)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseStreamID(%q) = %+v, want error", tc.streamID, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("ParseStreamID(%q) = %+v, want %+v", tc.streamID, got, tc.want)
			}
		})
	}
}
