package avsync

import "github.com/zsiec/sprd/internal/pcm"

// UnitySpeedFactor is 1.0 in the Q24 speed factor format.
const UnitySpeedFactor = 1 << 24

type tsmInfo struct {
	speedFactor uint32
	samples     uint64
	remainder   uint64
}

type scalePending struct {
	set         bool
	speedFactor uint32
	offset      uint64
}

// SetScale applies a new Q24 playback speed. With a nonzero offset the
// change takes effect offset samples into the next delivered output; with
// zero it applies immediately. Either way the session clock switches to
// scaled accounting until the session is reset.
func (s *State) SetScale(speedFactor, offset uint32) {
	if offset != 0 {
		s.pendingTSM = scalePending{set: true, speedFactor: speedFactor, offset: uint64(offset)}
	} else {
		s.tsm.speedFactor = speedFactor
	}
	s.timescaled = true
	s.log.Debug("scale session time", "speed_factor", speedFactor, "offset", offset)
}

// SpeedFactor returns the active Q24 speed factor.
func (s *State) SpeedFactor() uint32 { return s.tsm.speedFactor }

// ScaledSamples returns the scaled session sample count and the Q24
// remainder that has not yet amounted to a whole sample.
func (s *State) ScaledSamples() (uint64, uint64) {
	return s.tsm.samples, s.tsm.remainder
}

func (s *State) updateSessionClock(bytes int) {
	if s.dfg {
		s.log.Debug("dfg active, session clock held", "session_us", s.sessionClockUs)
		return
	}
	bps := s.format.BytesPerSample()
	if bps == 0 {
		return
	}
	samples := uint64(bytes / bps)
	sr := s.format.SampleRate

	if s.timescaled {
		var old uint64
		if s.pendingTSM.set {
			old = min(s.pendingTSM.offset, samples)
			s.applyScaleFactor(old, s.tsm.speedFactor)
			s.tsm.speedFactor = s.pendingTSM.speedFactor
			s.pendingTSM = scalePending{}
		}
		if rem := samples - old; rem > 0 {
			s.applyScaleFactor(rem, s.tsm.speedFactor)
		}
		s.sessionClockUs = int64(pcm.SamplesToUs(s.tsm.samples, sr, nil)) + s.baseTimestampUs
	} else {
		s.elapsedSamples += samples
		s.tsm.samples += samples
		s.sessionClockUs = int64(pcm.SamplesToUs(s.elapsedSamples, sr, nil)) + s.baseTimestampUs
	}

	s.absoluteTimeUs = s.wallClockUs + s.dsDelayUs
	s.updateExpectedSessionClock(samples)
}

// applyScaleFactor accumulates in samples scaled by sf. The Q24 remainder
// is carried so repeated calls never lose or double count a sample.
func (s *State) applyScaleFactor(in uint64, sf uint32) {
	scaled := in * uint64(sf)
	q := scaled / UnitySpeedFactor
	s.tsm.remainder += scaled - q*UnitySpeedFactor
	var carry uint64
	if s.tsm.remainder >= UnitySpeedFactor {
		s.tsm.remainder -= UnitySpeedFactor
		carry = 1
	}
	s.tsm.samples += q + carry
	s.elapsedSamples += q + carry
}

// updateExpectedSessionClock is not time scaled: the expected clock tracks
// stream time so render decisions stay in the input timestamp domain.
func (s *State) updateExpectedSessionClock(samples uint64) {
	if !s.firstBufRendered {
		return
	}
	s.elapsedExpectedSamples += samples
	sr := s.format.SampleRate
	if s.cfg.Reference == RefDefault {
		s.expectedSessionClockUs = int64(pcm.SamplesToUs(s.elapsedExpectedSamples, sr, nil)) + s.baseTimestampUs
		return
	}
	s.expectedSessionClockUs = s.procTimestampUs + int64(pcm.SamplesToUs(samples, sr, nil))
}
