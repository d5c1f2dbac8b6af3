package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/sprd/internal/avsync"
	srtingest "github.com/zsiec/sprd/internal/ingest/srt"
	"github.com/zsiec/sprd/internal/spr"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"SRT_ADDR", "API_ADDR", "WAV_DIR", "FRAME_US", "OUTPUTS", "RENDER_MODE", "HOLD_US", "SRT_PULL"} {
		t.Setenv(k, "")
	}
	c, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":6000", c.srtAddr)
	assert.Equal(t, ":4444", c.apiAddr)
	assert.Equal(t, "recordings", c.wavDir)
	assert.Equal(t, spr.DefaultMaxOutputPorts, c.pipeline.Engine.MaxOutputPorts)
	assert.Equal(t, spr.DefaultRingUs, int(c.pipeline.Engine.RingUs))
	assert.Equal(t, 1, c.pipeline.Outputs)
	assert.Nil(t, c.pipeline.Sync)
	assert.Empty(t, c.pulls)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FRAME_US", "10000")
	t.Setenv("OUTPUTS", "2")
	t.Setenv("DUTY_CYCLING", "true")
	t.Setenv("REPORT_UNDERRUNS", "1")
	t.Setenv("RENDER_MODE", "delayed")
	t.Setenv("RENDER_REFERENCE", "wall-clock")
	t.Setenv("RENDER_START_US", "1700000000000000")
	t.Setenv("WINDOW_START_US", "-20000")
	t.Setenv("WINDOW_END_US", "max")
	t.Setenv("HOLD_US", "5000000")
	t.Setenv("SRT_PULL", "10.0.0.1:9000=live/a, 10.0.0.2:9000=live/b?format=raw")

	c, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(10000), c.pipeline.Engine.FrameUs)
	assert.Equal(t, 2, c.pipeline.Outputs)
	assert.True(t, c.pipeline.Engine.DutyCycling)
	assert.True(t, c.pipeline.ReportUnderruns)

	require.NotNil(t, c.pipeline.Sync)
	s := c.pipeline.Sync
	assert.Equal(t, avsync.ModeDelayed, s.Mode)
	assert.Equal(t, avsync.RefWallClock, s.Reference)
	assert.Equal(t, int64(1700000000000000), s.StartTimeUs)
	assert.Equal(t, int64(-20000), s.WindowStartUs)
	assert.Equal(t, int64(math.MaxInt64), s.WindowEndUs)
	assert.Equal(t, int64(avsync.MaxHoldDurationUs), s.HoldDurationUs)

	assert.Equal(t, []srtingest.PullRequest{
		{Address: "10.0.0.1:9000", StreamID: "live/a"},
		{Address: "10.0.0.2:9000", StreamID: "live/b?format=raw"},
	}, c.pulls)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad int", "FRAME_US", "fast"},
		{"bad bool", "REAL_TIME", "sometimes"},
		{"bad mode", "RENDER_MODE", "later"},
		{"bad reference", "RENDER_REFERENCE", "sideways"},
		{"bad pull", "SRT_PULL", "10.0.0.1:9000"},
		{"negative hold", "HOLD_US", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RENDER_MODE", "immediate")
			t.Setenv(tt.key, tt.value)
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}
