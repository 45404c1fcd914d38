package buffers

import (
	"sync"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/nn"
)

// DefaultViolenceCapacity is the slot count of the violence buffer.
// Slots, not originals: duplicates consume capacity too.
const DefaultViolenceCapacity = 5000

// MicroOffset is the timestamp increment between an original and its
// duplicates. Small enough to be invisible in a clip, large enough that
// sorting by timestamp keeps "original, dup-1, dup-2, ..." order.
const MicroOffset = 100 * time.Microsecond

// ViolenceBuffer is a bounded FIFO of positively classified frames.
// Every admitted frame is stored once as an original and K more times as
// duplicates with micro-incremented timestamps. The duplication is policy:
// the encoder writes at a fixed output rate, and without it a short burst
// of violence produces a clip too short to be useful as evidence.
type ViolenceBuffer struct {
	lock      sync.Mutex
	capacity  int
	dupFactor int
	entries   []*AnnotatedFrame // ascending timestamp
	admitted  map[int64]bool    // frame IDs currently represented by an original

	originals  int64
	duplicates int64
	sequences  map[int64]int64 // sequence id -> originals admitted
}

// Stats is a snapshot of the buffer's accounting counters
type Stats struct {
	Len        int   `json:"len"`
	Originals  int64 `json:"originals"`
	Duplicates int64 `json:"duplicates"`
	Sequences  int   `json:"sequences"`
}

func NewViolenceBuffer(capacity, duplicationFactor int) *ViolenceBuffer {
	if capacity <= 0 {
		capacity = DefaultViolenceCapacity
	}
	return &ViolenceBuffer{
		capacity:  capacity,
		dupFactor: duplicationFactor,
		admitted:  map[int64]bool{},
		sequences: map[int64]int64{},
	}
}

// Admit stores a positively classified frame along with its duplicates.
// Admitting the same frame ID twice is a no-op, so concurrent calls from
// the same frame are safe. Returns the number of entries added.
func (b *ViolenceBuffer) Admit(frame *frames.Frame, detections []nn.Detection, verdict *nn.Verdict, sequenceID int64) int {
	b.lock.Lock()
	if b.admitted[frame.ID] {
		b.lock.Unlock()
		return 0
	}
	b.admitted[frame.ID] = true
	b.lock.Unlock()

	// Draw outside the lock; the overlay is the expensive part.
	// Duplicates share the annotated pixels.
	probability := float32(0)
	if verdict != nil {
		probability = verdict.Probability
	}
	original := &AnnotatedFrame{
		Frame:      DrawViolenceOverlay(frame, detections, probability),
		Detections: detections,
		Verdict:    verdict,
		SequenceID: sequenceID,
		IsViolence: true,
	}
	batch := make([]*AnnotatedFrame, 0, b.dupFactor+1)
	batch = append(batch, original)
	for i := 1; i <= b.dupFactor; i++ {
		batch = append(batch, original.duplicate(time.Duration(i)*MicroOffset))
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	b.entries = append(b.entries, batch...)
	b.originals++
	b.duplicates += int64(b.dupFactor)
	b.sequences[sequenceID]++
	b.evict()
	return len(batch)
}

// evict drops the oldest entries until we are within capacity.
// Called with the lock held.
func (b *ViolenceBuffer) evict() {
	excess := len(b.entries) - b.capacity
	if excess <= 0 {
		return
	}
	for _, e := range b.entries[:excess] {
		if e.DuplicateOf == 0 {
			delete(b.admitted, e.Frame.ID)
		}
	}
	b.entries = append([]*AnnotatedFrame{}, b.entries[excess:]...)
}

// Range returns all entries whose timestamp lies in [t0, t1], in
// timestamp order. The slice is copied out under the lock.
func (b *ViolenceBuffer) Range(t0, t1 time.Time) []*AnnotatedFrame {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := []*AnnotatedFrame{}
	for _, e := range b.entries {
		ts := e.Timestamp()
		if !ts.Before(t0) && !ts.After(t1) {
			out = append(out, e)
		}
	}
	return out
}

// Sequence returns every entry belonging to one violence sequence,
// duplicates included, in timestamp order.
func (b *ViolenceBuffer) Sequence(sequenceID int64) []*AnnotatedFrame {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := []*AnnotatedFrame{}
	for _, e := range b.entries {
		if e.SequenceID == sequenceID {
			out = append(out, e)
		}
	}
	return out
}

func (b *ViolenceBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.entries)
}

func (b *ViolenceBuffer) Stats() Stats {
	b.lock.Lock()
	defer b.lock.Unlock()
	return Stats{
		Len:        len(b.entries),
		Originals:  b.originals,
		Duplicates: b.duplicates,
		Sequences:  len(b.sequences),
	}
}
