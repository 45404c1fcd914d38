package session

import (
	"sync"

	"github.com/centinelacam/centinela/pkg/frames"
)

// frameQueue is a bounded FIFO of captured frames. The capture thread never
// blocks on it: when full, either the oldest entry is displaced (freshness
// wins, the normal streaming case) or the newest is refused (history wins,
// the during-violence processing case).
type frameQueue struct {
	lock    sync.Mutex
	cap     int
	entries []*frames.Frame
	dropped int64
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{cap: capacity}
}

// Push adds a frame. dropOldest selects which end loses when full.
// Returns false when the new frame was refused.
func (q *frameQueue) Push(f *frames.Frame, dropOldest bool) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.entries) >= q.cap {
		q.dropped++
		if !dropOldest {
			return false
		}
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, f)
	return true
}

// Pop removes the oldest frame, or nil when empty
func (q *frameQueue) Pop() *frames.Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	f := q.entries[0]
	q.entries = q.entries[1:]
	return f
}

// PopNewest removes the newest frame and discards everything older.
// The streaming path uses this: showing the latest frame matters more than
// showing every frame.
func (q *frameQueue) PopNewest() *frames.Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	f := q.entries[len(q.entries)-1]
	q.dropped += int64(len(q.entries) - 1)
	q.entries = q.entries[:0]
	return f
}

func (q *frameQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.entries)
}

func (q *frameQueue) Dropped() int64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}

// Drain empties the queue, for session teardown
func (q *frameQueue) Drain() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.entries = nil
}
