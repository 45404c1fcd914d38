package buffers

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
)

// DefaultContextWindow is how far back the context buffer reaches
const DefaultContextWindow = 30 * time.Second

// ContextBuffer keeps every frame the session processed, violent or not,
// for a bounded window of wall time. It provides the pre-roll ahead of a
// violent sub-sequence and the tail after it. Memory is bounded two ways:
// the ring overwrites its oldest slot when full, and reads ignore entries
// older than the window.
type ContextBuffer struct {
	lock   sync.Mutex
	window time.Duration
	ring   ringbuffer.RingP[*AnnotatedFrame]
}

// NewContextBuffer sizes the ring for window seconds at the peak capture
// rate, so the ring only wraps early if capture outpaces that rate.
func NewContextBuffer(window time.Duration, peakFPS int) *ContextBuffer {
	if window <= 0 {
		window = DefaultContextWindow
	}
	capacity := int(window.Seconds()) * peakFPS
	if capacity < 64 {
		capacity = 64
	}
	return &ContextBuffer{
		window: window,
		ring:   ringbuffer.NewRingP[*AnnotatedFrame](capacity),
	}
}

func (b *ContextBuffer) Add(entry *AnnotatedFrame) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.ring.Add(entry)
}

// Range returns entries with timestamps in [t0, t1], oldest first.
// Entries outside the time window are never returned, even if the ring
// still holds them.
func (b *ContextBuffer) Range(t0, t1 time.Time) []*AnnotatedFrame {
	b.lock.Lock()
	defer b.lock.Unlock()
	if n := b.ring.Len(); n > 0 {
		// The window is anchored on the newest entry, not the wall clock,
		// so replayed footage behaves the same as live capture.
		horizon := b.ring.Peek(n - 1).Timestamp().Add(-b.window)
		if t0.Before(horizon) {
			t0 = horizon
		}
	}
	out := []*AnnotatedFrame{}
	for i := 0; i < b.ring.Len(); i++ {
		e := b.ring.Peek(i)
		ts := e.Timestamp()
		if !ts.Before(t0) && !ts.After(t1) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns the last given seconds of frames, oldest first
func (b *ContextBuffer) Recent(seconds time.Duration) []*AnnotatedFrame {
	b.lock.Lock()
	n := b.ring.Len()
	if n == 0 {
		b.lock.Unlock()
		return nil
	}
	newest := b.ring.Peek(n - 1).Timestamp()
	b.lock.Unlock()
	return b.Range(newest.Add(-seconds), newest)
}

func (b *ContextBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.ring.Len()
}
