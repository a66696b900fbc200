package audio

import (
	"sync"
	"sync/atomic"
)

// FrameBus is a bounded FIFO queue of [Frame] values connecting the real-time
// audio device callbacks to the rest of the pipeline.
//
// Push never blocks: when the bus is full the oldest frame is discarded to
// make room, so a stalled consumer costs stale audio rather than device
// underruns. Frames are delivered strictly in push order. All methods are
// safe for concurrent use from any goroutine, including device callbacks.
type FrameBus struct {
	mu      sync.Mutex
	frames  []Frame // ring buffer, len(frames) == capacity
	head    int     // index of oldest frame
	count   int
	dropped atomic.Uint64

	// notify wakes a blocked consumer; capacity 1 so producers never block.
	notify chan struct{}
}

// NewFrameBus returns a bus holding at most capacity frames. Capacity must be
// at least 1; smaller values are raised to 1.
func NewFrameBus(capacity int) *FrameBus {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBus{
		frames: make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends f to the bus. If the bus is full, the oldest frame is dropped
// first and the drop counter is incremented. Push never blocks.
func (b *FrameBus) Push(f Frame) {
	b.mu.Lock()
	if b.count == len(b.frames) {
		// Overwrite the oldest frame.
		b.head = (b.head + 1) % len(b.frames)
		b.count--
		b.dropped.Add(1)
	}
	tail := (b.head + b.count) % len(b.frames)
	b.frames[tail] = f
	b.count++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest frame. ok is false when the bus is
// empty. TryPop never blocks.
func (b *FrameBus) TryPop() (f Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return Frame{}, false
	}
	f = b.frames[b.head]
	b.frames[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.count--
	return f, true
}

// Wait returns a channel that receives a value after the next Push. Consumers
// combine it with [FrameBus.TryPop] in a select loop; a single receive may
// coalesce several pushes, so drain with TryPop until empty after waking.
func (b *FrameBus) Wait() <-chan struct{} {
	return b.notify
}

// Len reports the number of frames currently queued.
func (b *FrameBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped reports the total number of frames discarded because the bus was
// full at push time.
func (b *FrameBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Clear discards all queued frames without counting them as dropped. Used
// when a cycle is cancelled and stale playback audio must not be heard.
func (b *FrameBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.count = 0
}
