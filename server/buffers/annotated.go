// Package buffers holds the two in-memory frame stores that feed the
// evidence recorder: the violence buffer (positively classified frames,
// deliberately duplicated) and the context buffer (everything recent).
package buffers

import (
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/nn"
)

// AnnotatedFrame is a frame plus everything the pipeline learned about it.
// Once stored in a buffer it is immutable; readers share the pixel data.
type AnnotatedFrame struct {
	Frame       *frames.Frame
	Detections  []nn.Detection
	Verdict     *nn.Verdict // nil when no classifier run covered this frame
	SequenceID  int64       // 0 when the frame does not belong to a violence sequence
	IsViolence  bool
	DuplicateOf int64 // frame ID of the original; 0 for originals
}

// Timestamp is the ordering key inside every buffer
func (a *AnnotatedFrame) Timestamp() time.Time {
	return a.Frame.WallTime
}

// duplicate makes a shallow copy offset by a micro-timestamp, sharing the
// annotated pixels with the original.
func (a *AnnotatedFrame) duplicate(offset time.Duration) *AnnotatedFrame {
	d := *a
	frame := *a.Frame
	frame.WallTime = frame.WallTime.Add(offset)
	frame.Mono += offset
	d.Frame = &frame
	d.DuplicateOf = a.Frame.ID
	return &d
}
