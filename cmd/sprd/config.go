package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/zsiec/sprd/internal/avsync"
	srtingest "github.com/zsiec/sprd/internal/ingest/srt"
	"github.com/zsiec/sprd/internal/pipeline"
	"github.com/zsiec/sprd/internal/spr"
)

type config struct {
	srtAddr  string
	apiAddr  string
	wavDir   string
	pulls    []srtingest.PullRequest
	pipeline pipeline.Config
}

// loadConfig reads the daemon configuration from the environment.
func loadConfig() (config, error) {
	c := config{
		srtAddr: envOr("SRT_ADDR", ":6000"),
		apiAddr: envOr("API_ADDR", ":4444"),
		wavDir:  envOr("WAV_DIR", "recordings"),
	}

	var err error
	eng := spr.DefaultConfig()
	ints := []struct {
		key string
		dst *int64
	}{
		{"FRAME_US", &eng.FrameUs},
		{"RING_US", &eng.RingUs},
		{"PATH_DELAY_US", &c.pipeline.PathDelayUs},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, *v.dst); err != nil {
			return c, err
		}
	}
	maxOut, err := envInt("MAX_OUTPUTS", int64(eng.MaxOutputPorts))
	if err != nil {
		return c, err
	}
	eng.MaxOutputPorts = int(maxOut)
	outputs, err := envInt("OUTPUTS", 1)
	if err != nil {
		return c, err
	}
	c.pipeline.Outputs = int(outputs)

	bools := []struct {
		key string
		dst *bool
	}{
		{"DUTY_CYCLING", &eng.DutyCycling},
		{"IN_PLACE", &eng.InPlace},
		{"REAL_TIME", &c.pipeline.RealTime},
		{"ALLOW_NON_TIMESTAMP_HONOR", &c.pipeline.AllowNonTimestampHonor},
		{"REPORT_UNDERRUNS", &c.pipeline.ReportUnderruns},
	}
	for _, v := range bools {
		if *v.dst, err = envBool(v.key, *v.dst); err != nil {
			return c, err
		}
	}
	c.pipeline.Engine = eng

	if c.pipeline.Sync, err = syncConfig(); err != nil {
		return c, err
	}
	if c.pulls, err = parsePulls(os.Getenv("SRT_PULL")); err != nil {
		return c, err
	}
	return c, nil
}

// syncConfig returns the render configuration applied to every stream, or
// nil when neither RENDER_MODE nor HOLD_US is set.
func syncConfig() (*avsync.Config, error) {
	if os.Getenv("RENDER_MODE") == "" && os.Getenv("HOLD_US") == "" {
		return nil, nil
	}
	cfg := avsync.DefaultConfig()
	var err error
	if cfg.Mode, err = avsync.ParseMode(os.Getenv("RENDER_MODE")); err != nil {
		return nil, fmt.Errorf("RENDER_MODE: %w", err)
	}
	switch ref := os.Getenv("RENDER_REFERENCE"); ref {
	case "", "default":
	case "wall-clock":
		cfg.Reference = avsync.RefWallClock
	default:
		return nil, fmt.Errorf("RENDER_REFERENCE: unknown reference %q", ref)
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"RENDER_START_US", &cfg.StartTimeUs},
		{"WINDOW_START_US", &cfg.WindowStartUs},
		{"WINDOW_END_US", &cfg.WindowEndUs},
		{"HOLD_US", &cfg.HoldDurationUs},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, *v.dst); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parsePulls parses a comma separated list of host:port=streamid entries.
func parsePulls(s string) ([]srtingest.PullRequest, error) {
	var out []srtingest.PullRequest
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, id, ok := strings.Cut(entry, "=")
		if !ok || addr == "" || id == "" {
			return nil, fmt.Errorf("SRT_PULL: want host:port=streamid, got %q", entry)
		}
		out = append(out, srtingest.PullRequest{Address: addr, StreamID: id})
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	switch v {
	case "":
		return fallback, nil
	case "min":
		return math.MinInt64, nil
	case "max":
		return math.MaxInt64, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
