package timer

import (
	"sync"
	"time"
)

// Oneshot is an absolute one-shot timer. Each expiry delivers one tick on
// C; ticks that are not consumed before the next expiry are coalesced.
type Oneshot struct {
	clock Clock
	c     chan struct{}

	mu sync.Mutex
	t  *time.Timer
}

// NewOneshot creates an unarmed timer. A nil clock uses WallClock.
func NewOneshot(clock Clock) *Oneshot {
	if clock == nil {
		clock = WallClock
	}
	return &Oneshot{clock: clock, c: make(chan struct{}, 1)}
}

// C returns the tick channel.
func (o *Oneshot) C() <-chan struct{} { return o.c }

// Arm schedules a tick at wakeUs, replacing any earlier schedule. A wake
// time at or before now ticks immediately.
func (o *Oneshot) Arm(wakeUs int64) {
	d := time.Duration(wakeUs-o.clock()) * time.Microsecond

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
		o.t = nil
	}
	if d <= 0 {
		o.fire()
		return
	}
	o.t = time.AfterFunc(d, o.fire)
}

// Stop cancels a pending tick.
func (o *Oneshot) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
		o.t = nil
	}
}

func (o *Oneshot) fire() {
	select {
	case o.c <- struct{}{}:
	default:
	}
}
