package avsync

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for render configuration.
var (
	ErrBadConfig     = errors.New("avsync: bad render config")
	ErrRuntimeChange = errors.New("avsync: only render window may change after start")
)

// MaxHoldDurationUs caps the configurable hold buffer duration.
const MaxHoldDurationUs = 2_000_000

// Mode selects when the session starts rendering.
type Mode int

// Render modes.
const (
	ModeImmediate Mode = iota
	ModeAbsolute
	ModeDelayed
)

func (m Mode) String() string {
	switch m {
	case ModeImmediate:
		return "immediate"
	case ModeAbsolute:
		return "absolute"
	case ModeDelayed:
		return "delayed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "immediate", "":
		return ModeImmediate, nil
	case "absolute":
		return ModeAbsolute, nil
	case "delayed":
		return ModeDelayed, nil
	}
	return 0, fmt.Errorf("%w: unknown render mode %q", ErrBadConfig, s)
}

// Reference selects the clock input timestamps are compared against.
type Reference int

// Render references.
const (
	// RefDefault compares against the expected session clock.
	RefDefault Reference = iota
	// RefWallClock compares against the wall clock.
	RefWallClock
)

func (r Reference) String() string {
	if r == RefWallClock {
		return "wall-clock"
	}
	return "default"
}

// Config is the client render configuration.
type Config struct {
	Mode Mode
	// StartTimeUs is the absolute wall-clock start (ModeAbsolute) or the
	// wall-clock time after the delay (ModeDelayed).
	StartTimeUs   int64
	Reference     Reference
	WindowStartUs int64
	WindowEndUs   int64
	// HoldDurationUs bounds the hold queue. Zero disables holding.
	HoldDurationUs int64
}

// DefaultConfig renders immediately with an unbounded window and no hold.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeImmediate,
		Reference:     RefDefault,
		WindowStartUs: math.MinInt64,
		WindowEndUs:   math.MaxInt64,
	}
}

// Validate checks the configuration and clamps the hold duration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeImmediate, ModeAbsolute, ModeDelayed:
	default:
		return fmt.Errorf("%w: mode %d", ErrBadConfig, c.Mode)
	}
	switch c.Reference {
	case RefDefault, RefWallClock:
	default:
		return fmt.Errorf("%w: reference %d", ErrBadConfig, c.Reference)
	}
	if c.WindowStartUs > c.WindowEndUs {
		return fmt.Errorf("%w: window start %d after end %d", ErrBadConfig, c.WindowStartUs, c.WindowEndUs)
	}
	if c.HoldDurationUs < 0 {
		return fmt.Errorf("%w: negative hold duration", ErrBadConfig)
	}
	if c.HoldDurationUs > MaxHoldDurationUs {
		c.HoldDurationUs = MaxHoldDurationUs
	}
	return nil
}

// windowOnly reports whether next differs from c only in the render window.
func (c Config) windowOnly(next Config) bool {
	c.WindowStartUs, c.WindowEndUs = next.WindowStartUs, next.WindowEndUs
	return c == next
}
