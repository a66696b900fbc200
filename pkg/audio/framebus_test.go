package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/perchlabs/parley/pkg/audio"
)

func frameWith(first int16) audio.Frame {
	return audio.Frame{Samples: []int16{first, 0, 0}, SampleRate: 16000}
}

func TestFrameBusOrdering(t *testing.T) {
	t.Parallel()

	bus := audio.NewFrameBus(8)
	for i := int16(0); i < 5; i++ {
		bus.Push(frameWith(i))
	}

	for want := int16(0); want < 5; want++ {
		f, ok := bus.TryPop()
		if !ok {
			t.Fatalf("TryPop() empty at %d, want frame", want)
		}
		if got := f.Samples[0]; got != want {
			t.Errorf("frame order: got %d, want %d", got, want)
		}
	}
	if _, ok := bus.TryPop(); ok {
		t.Error("TryPop() after drain returned a frame, want empty")
	}
}

func TestFrameBusDropOldest(t *testing.T) {
	t.Parallel()

	bus := audio.NewFrameBus(3)
	for i := int16(0); i < 5; i++ {
		bus.Push(frameWith(i))
	}

	if got := bus.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := bus.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	// Survivors must be the newest three, still in order.
	for _, want := range []int16{2, 3, 4} {
		f, ok := bus.TryPop()
		if !ok {
			t.Fatal("TryPop() empty, want frame")
		}
		if got := f.Samples[0]; got != want {
			t.Errorf("surviving frame = %d, want %d", got, want)
		}
	}
}

func TestFrameBusClear(t *testing.T) {
	t.Parallel()

	bus := audio.NewFrameBus(4)
	bus.Push(frameWith(1))
	bus.Push(frameWith(2))
	bus.Clear()

	if got := bus.Len(); got != 0 {
		t.Errorf("Len() after Clear = %d, want 0", got)
	}
	if got := bus.Dropped(); got != 0 {
		t.Errorf("Dropped() after Clear = %d, want 0", got)
	}
}

func TestFrameBusWaitWakesConsumer(t *testing.T) {
	t.Parallel()

	bus := audio.NewFrameBus(4)

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan audio.Frame, 1)
	go func() {
		defer wg.Done()
		for {
			if f, ok := bus.TryPop(); ok {
				got <- f
				return
			}
			<-bus.Wait()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Push(frameWith(7))
	wg.Wait()

	f := <-got
	if f.Samples[0] != 7 {
		t.Errorf("consumer received %d, want 7", f.Samples[0])
	}
}

func TestFrameBusConcurrentPush(t *testing.T) {
	t.Parallel()

	bus := audio.NewFrameBus(16)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				bus.Push(frameWith(int16(i)))
			}
		}()
	}
	wg.Wait()

	popped := 0
	for {
		if _, ok := bus.TryPop(); !ok {
			break
		}
		popped++
	}
	if total := uint64(popped) + bus.Dropped(); total != 400 {
		t.Errorf("popped(%d) + dropped(%d) = %d, want 400", popped, bus.Dropped(), total)
	}
}
