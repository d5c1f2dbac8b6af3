package spr

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/metadata"
	"github.com/zsiec/sprd/internal/pcm"
)

var (
	mono48k   = pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 1}
	stereo48k = pcm.MediaFormat{SampleRate: 48000, BitsPerSample: 16, NumChannels: 2}
)

type testClock struct{ now int64 }

func (c *testClock) Now() int64 { return c.now }

type fixture struct {
	eng     *Engine
	tracker *metadata.Tracker
	clock   *testClock
	events  []UnderrunEvent
}

// newFixture returns an engine with the input port (id 1) and the given
// output ports (ids 10, 11, ... at indexes 0, 1, ...) started and mono48k
// applied.
func newFixture(t *testing.T, cfg Config, outputs int) *fixture {
	t.Helper()
	f := &fixture{tracker: metadata.NewTracker(nil), clock: &testClock{}}
	eng, err := New(cfg, f.tracker, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng.SetClock(f.clock.Now)
	f.eng = eng

	f.portOp(t, OpOpen, true, PortMap{ID: 1})
	f.portOp(t, OpStart, true, PortMap{ID: 1})
	for i := range outputs {
		pm := PortMap{ID: uint32(10 + i), Index: i}
		f.portOp(t, OpOpen, false, pm)
		f.portOp(t, OpStart, false, pm)
	}
	if err := eng.SetInputFormat(mono48k); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) portOp(t *testing.T, op Opcode, input bool, ports ...PortMap) {
	t.Helper()
	if err := f.eng.PortOp(PortOp{Opcode: op, Input: input, Ports: ports}); err != nil {
		t.Fatalf("%s: %v", op, err)
	}
}

func (f *fixture) listen() {
	f.eng.SetUnderrunListener(UnderrunFunc(func(ev UnderrunEvent) {
		f.events = append(f.events, ev)
	}))
}

func (f *fixture) process(t *testing.T, in *media.Stream) (Report, []*media.Stream) {
	t.Helper()
	outs := f.eng.NewOutputs()
	rep, err := f.eng.Process(in, outs)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return rep, outs
}

func frameConfig(frameUs int64) Config {
	cfg := DefaultConfig()
	cfg.FrameUs = frameUs
	return cfg
}

// pcmStream returns n bytes per channel of timed input filled with fill.
func pcmStream(ts int64, channels, n int, fill byte) *media.Stream {
	data := make([][]byte, channels)
	for ch := range data {
		data[ch] = make([]byte, n)
		for i := range data[ch] {
			data[ch][i] = fill
		}
	}
	return &media.Stream{Data: data, Timestamp: ts, Flags: media.Flags{TSValid: true}}
}

func allBytes(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}

func TestRenderThenUnderrun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 1)
	f.listen()
	if got := f.eng.FrameBytes(); got != 96 {
		t.Fatalf("frame bytes: got %d, want 96", got)
	}

	rep, outs := f.process(t, pcmStream(0, 1, 96, 0x7f))
	if !rep.Consumed || rep.Decision != avsync.Render || rep.Underrun {
		t.Fatalf("render cycle: got %+v", rep)
	}
	out := outs[0]
	if out.Len() != 96 || !allBytes(out.Data[0], 0x7f) {
		t.Fatalf("render output: len %d", out.Len())
	}
	if out.Timestamp != 0 || !out.Flags.TSValid || out.Flags.Erasure {
		t.Fatalf("render output: ts %d flags %+v", out.Timestamp, out.Flags)
	}

	rep, outs = f.process(t, nil)
	out = outs[0]
	if !rep.Underrun {
		t.Fatal("underrun not reported")
	}
	if out.Len() != 96 || !allBytes(out.Data[0], 0) {
		t.Fatalf("underrun output: len %d, want 96 zero bytes", out.Len())
	}
	if !out.Flags.Erasure || !out.Flags.TSValid || out.Timestamp != 1000 {
		t.Fatalf("underrun output: ts %d flags %+v", out.Timestamp, out.Flags)
	}
	want := UnderrunEvent{PortID: 10, Reason: UnderrunNoData, ZeroBytes: 96, TimestampUs: 1000}
	if len(f.events) != 1 || f.events[0] != want {
		t.Fatalf("events: got %+v, want [%+v]", f.events, want)
	}
	if st := f.eng.Stats(); st.Underruns != 1 || st.Rendered != 1 || st.Cycles != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPartialSampleInputIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 1)
	bad := pcmStream(0, 1, 97, 0x7f)
	bad.Metadata = []*media.Metadata{{ID: media.MetadataCustom, Tag: "cue"}}

	outs := f.eng.NewOutputs()
	rep, err := f.eng.Process(bad, outs)
	if !errors.Is(err, ErrBadParam) {
		t.Fatalf("got %v, want ErrBadParam", err)
	}
	if !rep.Consumed || rep.Decision != avsync.Invalid {
		t.Fatalf("rejected cycle: got %+v", rep)
	}
	if got := f.tracker.Stats().Dropped; got != 1 {
		t.Fatalf("dropped metadata: got %d, want 1", got)
	}
	if got := f.eng.Stats().Dropped; got != 1 {
		t.Fatalf("dropped segments: got %d, want 1", got)
	}

	in := pcmStream(1000, 1, 96, 0)
	for i := range in.Data[0] {
		in.Data[0][i] = []byte{0x11, 0x22}[i%2]
	}
	for cycle := range 2 {
		_, outs = f.process(t, in.Copy())
		out := outs[0].Data[0]
		if len(out) != 96 {
			t.Fatalf("cycle %d: len %d, want 96", cycle, len(out))
		}
		for i := 0; i < len(out); i += 2 {
			if out[i] != 0x11 || out[i+1] != 0x22 {
				t.Fatalf("cycle %d: sample %d is % x, want 11 22", cycle, i/2, out[i:i+2])
			}
		}
		in.Timestamp += 1000
	}
}

func TestIdleCycleKeepsSessionClock(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(5000), 1)
	cfg := avsync.DefaultConfig()
	cfg.WindowStartUs = -5000
	cfg.WindowEndUs = 5000
	cfg.HoldDurationUs = 100_000
	if err := f.eng.EnableSync(cfg); err != nil {
		t.Fatal(err)
	}

	// 10 ms of input fills two frames; the first cycle delivers one.
	rep, _ := f.process(t, pcmStream(0, 1, 960, 4))
	if rep.Decision != avsync.Render {
		t.Fatalf("first cycle: got %+v", rep)
	}
	before, ok := f.eng.SessionTime()
	if !ok {
		t.Fatal("sync not enabled")
	}

	rep, outs := f.process(t, nil)
	if rep.Decision != avsync.Invalid || outs[0].Len() != 480 || !allBytes(outs[0].Data[0], 4) {
		t.Fatalf("idle cycle: got %+v len %d", rep, outs[0].Len())
	}
	after, _ := f.eng.SessionTime()
	if after.SessionClockUs != before.SessionClockUs || after.ExpectedClockUs != before.ExpectedClockUs {
		t.Fatalf("session clocks moved on idle cycle: before %+v after %+v", before, after)
	}
}

func TestFansOutToEveryStartedPort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 2)
	md := &media.Metadata{ID: media.MetadataCustom, Tag: "cue"}
	in := pcmStream(5000, 1, 96, 3)
	in.Metadata = []*media.Metadata{md}

	_, outs := f.process(t, in)
	for i, out := range outs {
		if out.Len() != 96 || !allBytes(out.Data[0], 3) {
			t.Fatalf("port %d: len %d", i, out.Len())
		}
		if out.Timestamp != 5000 {
			t.Fatalf("port %d: ts %d", i, out.Timestamp)
		}
		if len(out.Metadata) != 1 || out.Metadata[0].Tag != "cue" {
			t.Fatalf("port %d: metadata %+v", i, out.Metadata)
		}
	}
	if outs[0].Metadata[0] == outs[1].Metadata[0] {
		t.Fatal("ports share one metadata item")
	}
	if got := f.tracker.Stats().Cloned; got != 1 {
		t.Fatalf("cloned: got %d, want 1", got)
	}
}

func TestHoldThenRenderWithLeadingZeroes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(5000), 1)
	f.listen()
	cfg := avsync.DefaultConfig()
	cfg.Mode = avsync.ModeAbsolute
	cfg.Reference = avsync.RefWallClock
	cfg.WindowStartUs = -5000
	cfg.WindowEndUs = 5000
	cfg.HoldDurationUs = 100_000
	if err := f.eng.EnableSync(cfg); err != nil {
		t.Fatal(err)
	}

	// 20 ms early: held, outputs underrun as held.
	rep, outs := f.process(t, pcmStream(20_000, 1, 480, 9))
	if rep.Decision != avsync.Hold || !rep.Consumed {
		t.Fatalf("first cycle: got %+v", rep)
	}
	if !outs[0].Flags.Erasure || outs[0].Len() != 480 {
		t.Fatalf("held output: %+v len %d", outs[0].Flags, outs[0].Len())
	}
	if len(f.events) != 1 || f.events[0].Reason != UnderrunHeld {
		t.Fatalf("events: %+v", f.events)
	}
	if st := f.eng.Stats(); st.Held != 1 || st.HeldUs != 5000 {
		t.Fatalf("stats: %+v", st)
	}

	// 2 ms early: rendered behind 2 ms of silence.
	f.clock.now = 18_000
	rep, outs = f.process(t, nil)
	if rep.Decision != avsync.Render {
		t.Fatalf("second cycle: got %+v", rep)
	}
	out := outs[0]
	if out.Len() != 480 || out.Flags.Erasure {
		t.Fatalf("output: len %d flags %+v", out.Len(), out.Flags)
	}
	if !allBytes(out.Data[0][:192], 0) || !allBytes(out.Data[0][192:], 9) {
		t.Fatal("output is not 192 zero bytes followed by data")
	}
	if out.Timestamp != 18_000 {
		t.Fatalf("output ts: got %d, want 18000", out.Timestamp)
	}
	if f.eng.hold.Exists() {
		t.Fatal("hold queue not drained")
	}

	// The last 2 ms of the segment come out next, then zero fill.
	f.clock.now = 23_000
	_, outs = f.process(t, nil)
	out = outs[0]
	if !allBytes(out.Data[0][:192], 9) || !allBytes(out.Data[0][192:], 0) {
		t.Fatal("remainder not delivered ahead of zero fill")
	}
	if out.Timestamp != 23_000 {
		t.Fatalf("remainder ts: got %d, want 23000", out.Timestamp)
	}
}

func TestLateInputIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(5000), 1)
	f.listen()
	var triggers []Trigger
	f.eng.SetTriggerPolicy(TriggerFunc(func(tr Trigger) { triggers = append(triggers, tr) }))

	cfg := avsync.DefaultConfig()
	cfg.Mode = avsync.ModeAbsolute
	cfg.Reference = avsync.RefWallClock
	cfg.WindowStartUs = -5000
	cfg.WindowEndUs = 5000
	if err := f.eng.EnableSync(cfg); err != nil {
		t.Fatal(err)
	}

	f.clock.now = 100_000
	in := pcmStream(0, 1, 480, 1)
	in.Metadata = []*media.Metadata{{ID: media.MetadataCustom}}
	rep, outs := f.process(t, in)
	if rep.Decision != avsync.Drop {
		t.Fatalf("got %v, want drop", rep.Decision)
	}
	if len(outs[0].Metadata) != 0 || !allBytes(outs[0].Data[0], 0) {
		t.Fatal("dropped input reached the output")
	}
	if got := f.tracker.Stats().Dropped; got != 1 {
		t.Fatalf("metadata dropped: got %d, want 1", got)
	}
	if len(f.events) != 1 || f.events[0].Reason != UnderrunDropped {
		t.Fatalf("events: %+v", f.events)
	}

	// On time again.
	rep, _ = f.process(t, pcmStream(100_000, 1, 480, 1))
	if rep.Decision != avsync.Render {
		t.Fatalf("got %v, want render", rep.Decision)
	}
	want := []Trigger{{}, {Dropping: true}, {}}
	if len(triggers) != len(want) {
		t.Fatalf("triggers: got %+v, want %+v", triggers, want)
	}
	for i := range want {
		if triggers[i] != want[i] {
			t.Fatalf("trigger %d: got %+v, want %+v", i, triggers[i], want[i])
		}
	}
}

func TestRenderWaitsForOutputBuffers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 1)
	in := pcmStream(0, 1, 96, 5)
	rep, err := f.eng.Process(in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Consumed {
		t.Fatal("input consumed without an output buffer")
	}
	rep, outs := f.process(t, in)
	if !rep.Consumed || outs[0].Len() != 96 || !allBytes(outs[0].Data[0], 5) {
		t.Fatalf("retry: %+v len %d", rep, outs[0].Len())
	}
}

func TestFormatChangeKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(5000), 1)
	cfg := avsync.DefaultConfig()
	cfg.HoldDurationUs = 100_000
	if err := f.eng.EnableSync(cfg); err != nil {
		t.Fatal(err)
	}
	var applied []pcm.MediaFormat
	f.eng.SetFormatListener(func(mf pcm.MediaFormat) { applied = append(applied, mf) })

	// 10 ms in, 5 ms out: the rest stays buffered.
	f.process(t, pcmStream(0, 1, 960, 1))
	if err := f.eng.SetInputFormat(stereo48k); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.eng.Format(); got != mono48k {
		t.Fatalf("format applied over buffered data: %v", got)
	}

	// New-format input queues behind the old data.
	rep, outs := f.process(t, pcmStream(10_000, 2, 480, 2))
	if rep.FormatChanged || !rep.Consumed {
		t.Fatalf("draining cycle: %+v", rep)
	}
	if len(outs[0].Data) != 1 || !allBytes(outs[0].Data[0], 1) {
		t.Fatal("old data not drained first")
	}

	rep, _ = f.process(t, nil)
	if !rep.FormatChanged {
		t.Fatalf("format not applied once drained: %+v", rep)
	}
	if got, _ := f.eng.Format(); got != stereo48k {
		t.Fatalf("format: got %v", got)
	}
	if len(applied) != 1 || applied[0] != stereo48k {
		t.Fatalf("listener: %v", applied)
	}

	rep, outs = f.process(t, nil)
	if rep.Decision != avsync.Render {
		t.Fatalf("cached input: %+v", rep)
	}
	out := outs[0]
	if len(out.Data) != 2 || out.Len() != 480 || !allBytes(out.Data[1], 2) {
		t.Fatalf("cached input not rendered in the new format: %d channels len %d", len(out.Data), out.Len())
	}
	if out.Timestamp != 10_000 {
		t.Fatalf("ts: got %d, want 10000", out.Timestamp)
	}
	if f.eng.mfq.Pending() {
		t.Fatal("format queue not drained")
	}
	if !f.eng.Drained() {
		t.Fatal("engine not drained")
	}
}

func TestFormatAppliedAtOnceWithoutHold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(5000), 1)
	f.process(t, pcmStream(0, 1, 960, 1))
	if err := f.eng.SetInputFormat(stereo48k); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.eng.Format(); got != stereo48k {
		t.Fatalf("format: got %v", got)
	}
	if !f.eng.Drained() {
		t.Fatal("old data survived the format change")
	}
	if err := f.eng.SetInputFormat(pcm.MediaFormat{SampleRate: 1, BitsPerSample: 16, NumChannels: 1}); !errors.Is(err, ErrBadParam) {
		t.Fatalf("invalid format: got %v, want ErrBadParam", err)
	}
}

func TestPassThroughForUntimedInput(t *testing.T) {
	t.Parallel()

	cfg := frameConfig(5000)
	cfg.InPlace = true
	f := newFixture(t, cfg, 1)

	in := pcmStream(0, 1, 240, 4)
	in.Flags.TSValid = false
	rep, outs := f.process(t, in)
	if !rep.Consumed || rep.Decision != avsync.Render {
		t.Fatalf("got %+v", rep)
	}
	out := outs[0]
	if out.Len() != 480 || !allBytes(out.Data[0][:240], 4) || !allBytes(out.Data[0][240:], 0) {
		t.Fatalf("short input not padded to a frame: len %d", out.Len())
	}
	if out.Flags.TSValid || out.Flags.Erasure {
		t.Fatalf("flags: %+v", out.Flags)
	}

	big := pcmStream(0, 1, 960, 6)
	big.Flags.TSValid = false
	rep, outs = f.process(t, big)
	if rep.Consumed {
		t.Fatal("oversized input reported consumed")
	}
	if big.Len() != 480 || big.Timestamp != 5000 {
		t.Fatalf("remainder: len %d ts %d", big.Len(), big.Timestamp)
	}
	if outs[0].Len() != 480 || !allBytes(outs[0].Data[0], 6) {
		t.Fatal("frame not filled from the oversized input")
	}

	// Timed input leaves pass-through and goes through the ring buffer.
	rep, outs = f.process(t, pcmStream(20_000, 1, 480, 8))
	if rep.Decision != avsync.Render || outs[0].Timestamp != 20_000 || !outs[0].Flags.TSValid {
		t.Fatalf("timed input: %+v ts %d", rep, outs[0].Timestamp)
	}
	if f.eng.simpleProcess {
		t.Fatal("still in pass-through")
	}
}

func TestTimerDisabledGapInsertsEOS(t *testing.T) {
	t.Parallel()

	cfg := frameConfig(1000)
	cfg.DutyCycling = true
	f := newFixture(t, cfg, 1)
	var got Trigger
	f.eng.SetTriggerPolicy(TriggerFunc(func(tr Trigger) { got = tr }))
	f.eng.SetAllowNonTimestampHonor(true)
	if f.eng.TimerEnabled() || !got.TimerDisabled {
		t.Fatalf("timer not disabled: trigger %+v", got)
	}

	// Short input is not padded without a timer.
	rep, outs := f.process(t, pcmStream(0, 1, 40, 1))
	if rep.Underrun || outs[0].Len() != 40 {
		t.Fatalf("got %+v len %d", rep, outs[0].Len())
	}

	gap := &media.Stream{
		Flags:    media.Flags{Erasure: true},
		Metadata: []*media.Metadata{{ID: media.MetadataDFG}},
	}
	rep, outs = f.process(t, gap)
	out := outs[0]
	if rep.Underrun || out.Len() != 0 {
		t.Fatalf("gap cycle: %+v len %d", rep, out.Len())
	}
	if !out.Flags.MarkerEOS || len(out.Metadata) != 1 {
		t.Fatalf("no EOS at the gap: %+v", out)
	}
	eos := out.Metadata[0]
	if eos.ID != media.MetadataEOS || !eos.EOS.Flushing || !eos.EOS.Internal {
		t.Fatalf("metadata: %+v", eos)
	}
}

func TestTimerDisableConditions(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T, outputs int) *fixture {
		cfg := frameConfig(1000)
		cfg.DutyCycling = true
		f := newFixture(t, cfg, outputs)
		f.eng.SetAllowNonTimestampHonor(true)
		return f
	}

	tests := []struct {
		name    string
		outputs int
		setup   func(t *testing.T, f *fixture)
		enabled bool
	}{
		{name: "single output", outputs: 1},
		{name: "two outputs", outputs: 2, enabled: true},
		{
			name: "underrun listener", outputs: 1, enabled: true,
			setup: func(t *testing.T, f *fixture) { f.listen() },
		},
		{
			name: "real-time consumer", outputs: 1, enabled: true,
			setup: func(t *testing.T, f *fixture) {
				if err := f.eng.SetDownstreamRealTime(10, true); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "absolute mode", outputs: 1, enabled: true,
			setup: func(t *testing.T, f *fixture) {
				cfg := avsync.DefaultConfig()
				cfg.Mode = avsync.ModeAbsolute
				if err := f.eng.EnableSync(cfg); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "timestamps required", outputs: 1, enabled: true,
			setup: func(t *testing.T, f *fixture) { f.eng.SetAllowNonTimestampHonor(false) },
		},
		{
			name: "input stopped", outputs: 1, enabled: true,
			setup: func(t *testing.T, f *fixture) { f.portOp(t, OpStop, true, PortMap{ID: 1}) },
		},
		{
			name: "second output suspended", outputs: 2,
			setup: func(t *testing.T, f *fixture) { f.portOp(t, OpSuspend, false, PortMap{ID: 11, Index: 1}) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := base(t, tt.outputs)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			if got := f.eng.TimerEnabled(); got != tt.enabled {
				t.Fatalf("timer enabled: got %v, want %v", got, tt.enabled)
			}
			if _, ok := f.eng.Wake(); ok != tt.enabled {
				t.Fatalf("wake scheduled: got %v", ok)
			}
		})
	}
}

func TestPortOpErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 1)
	tests := []struct {
		name string
		op   PortOp
		want error
	}{
		{name: "no ports", op: PortOp{Opcode: OpStart}, want: ErrNeedMore},
		{name: "output index out of range", op: PortOp{Opcode: OpOpen, Ports: []PortMap{{ID: 20, Index: 2}}}, want: ErrBadParam},
		{name: "negative index", op: PortOp{Opcode: OpOpen, Ports: []PortMap{{ID: 20, Index: -1}}}, want: ErrBadParam},
		{name: "second input index", op: PortOp{Opcode: OpOpen, Input: true, Ports: []PortMap{{ID: 2, Index: 1}}}, want: ErrBadParam},
		{name: "unknown output id", op: PortOp{Opcode: OpStart, Ports: []PortMap{{ID: 99, Index: 0}}}, want: ErrBadParam},
		{name: "id mapped elsewhere", op: PortOp{Opcode: OpOpen, Ports: []PortMap{{ID: 10, Index: 1}}}, want: ErrBadParam},
		{name: "unsupported input op", op: PortOp{Opcode: Opcode(42), Input: true, Ports: []PortMap{{ID: 1}}}, want: ErrUnsupported},
		{name: "unsupported output op", op: PortOp{Opcode: Opcode(42), Ports: []PortMap{{ID: 10}}}, want: ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.eng.PortOp(tt.op); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPrimaryIsLowestStartedPort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 2)
	if f.eng.primary != 0 {
		t.Fatalf("primary: got %d, want 0", f.eng.primary)
	}
	f.portOp(t, OpSuspend, false, PortMap{ID: 10, Index: 0})
	if f.eng.primary != 1 {
		t.Fatalf("after suspend: got %d, want 1", f.eng.primary)
	}
	f.portOp(t, OpStart, false, PortMap{ID: 10, Index: 0})
	if f.eng.primary != 0 {
		t.Fatalf("after resume: got %d, want 0", f.eng.primary)
	}
	f.portOp(t, OpClose, false, PortMap{ID: 10, Index: 0})
	if f.eng.primary != 1 {
		t.Fatalf("after close: got %d, want 1", f.eng.primary)
	}

	// Underruns raise events only for the primary port.
	f.listen()
	f.process(t, nil)
	if len(f.events) != 1 || f.events[0].PortID != 11 {
		t.Fatalf("events: %+v", f.events)
	}
}

func TestSuspendedPortKeepsPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 2)
	f.portOp(t, OpSuspend, false, PortMap{ID: 11, Index: 1})
	_, outs := f.process(t, pcmStream(0, 1, 192, 7))
	if outs[0].Len() != 96 || outs[1].Len() != 0 {
		t.Fatalf("suspended port filled: %d, %d", outs[0].Len(), outs[1].Len())
	}
	f.portOp(t, OpStart, false, PortMap{ID: 11, Index: 1})
	_, outs = f.process(t, nil)
	if outs[1].Len() != 96 || !allBytes(outs[1].Data[0], 7) || outs[1].Timestamp != 0 {
		t.Fatalf("resumed port lost its data: len %d ts %d", outs[1].Len(), outs[1].Timestamp)
	}
}

func TestInputCloseClearsFormat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, frameConfig(1000), 1)
	if err := f.eng.EnableSync(avsync.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	f.process(t, pcmStream(0, 1, 192, 1))
	f.portOp(t, OpClose, true, PortMap{ID: 1})

	if _, ok := f.eng.Format(); ok {
		t.Fatal("format survived input close")
	}
	if f.eng.SyncEnabled() {
		t.Fatal("sync survived input close")
	}
	if outs := f.eng.NewOutputs(); outs != nil {
		t.Fatal("outputs allocated without a format")
	}
	rep, err := f.eng.Process(pcmStream(0, 1, 96, 1), nil)
	if err != nil || rep.Consumed {
		t.Fatalf("process without format: %+v, %v", rep, err)
	}
}

func TestPathDelay(t *testing.T) {
	t.Parallel()

	var a, b atomic.Int64
	a.Store(1500)
	b.Store(500)
	pd := NewPathDelay(7, &a, nil, &b)
	if got := pd.Aggregate(); got != 2000 {
		t.Fatalf("aggregate: got %d, want 2000", got)
	}
	b.Store(1000)
	if got := pd.Aggregate(); got != 2500 {
		t.Fatalf("aggregate after update: got %d, want 2500", got)
	}
	if got := (*PathDelay)(nil).Aggregate(); got != 0 {
		t.Fatalf("nil aggregate: %d", got)
	}

	f := newFixture(t, frameConfig(1000), 1)
	if err := f.eng.SetPathDelay(10, pd); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SetPathDelay(10, NewPathDelay(8)); !errors.Is(err, ErrFailed) {
		t.Fatalf("second path: got %v, want ErrFailed", err)
	}
	if err := f.eng.SetPathDelay(99, pd); !errors.Is(err, ErrBadParam) {
		t.Fatalf("unknown port: got %v, want ErrBadParam", err)
	}
	if err := f.eng.ClearPathDelay(10); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SetPathDelay(10, NewPathDelay(8)); err != nil {
		t.Fatalf("after clear: %v", err)
	}
}

func TestUnderrunLogRateLimit(t *testing.T) {
	t.Parallel()

	var l underrunLog
	steps := []struct {
		now    int64
		reason UnderrunReason
		ok     bool
		n      uint64
	}{
		{now: 0, reason: UnderrunHeld, ok: true, n: 1},
		{now: 500_000, reason: UnderrunHeld, ok: false},
		{now: 1_000_000, reason: UnderrunNoData, ok: true, n: 2},
		{now: 2_500_000, reason: UnderrunNoData, ok: false},
		{now: 6_000_000, reason: UnderrunNoData, ok: true, n: 2},
	}
	for i, s := range steps {
		ok, n := l.allow(s.now, s.reason)
		if ok != s.ok || n != s.n {
			t.Fatalf("step %d: got (%v, %d), want (%v, %d)", i, ok, n, s.ok, s.n)
		}
	}
	if l.count != 5 {
		t.Fatalf("count: got %d, want 5", l.count)
	}
}
