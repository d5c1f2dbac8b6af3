package drift

import (
	"sync"
	"testing"
)

func TestReadWrite(t *testing.T) {
	t.Parallel()

	h := NewHandle()
	if got := h.Read(); got != (Info{}) {
		t.Fatalf("got %+v, want zero", got)
	}
	h.Write(Info{AccDriftUs: 12, TimestampUs: 1000})
	h.Accumulate(-5, 2000)
	if got, want := h.Read(), (Info{AccDriftUs: 7, TimestampUs: 2000}); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	h.Reset()
	if got := h.Read(); got != (Info{}) {
		t.Fatalf("got %+v after reset", got)
	}
}

func TestResyncIsConsumedOnce(t *testing.T) {
	t.Parallel()

	h := NewHandle()
	if h.TakeResync() {
		t.Fatal("unexpected resync")
	}
	h.RequestResync()
	if !h.TakeResync() {
		t.Fatal("resync not reported")
	}
	if h.TakeResync() {
		t.Fatal("resync reported twice")
	}
}

func TestConcurrentAccumulate(t *testing.T) {
	t.Parallel()

	h := NewHandle()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				h.Accumulate(1, int64(j))
				_ = h.Read()
			}
		}()
	}
	wg.Wait()
	if got := h.Read().AccDriftUs; got != 8000 {
		t.Fatalf("got %d, want 8000", got)
	}
}
