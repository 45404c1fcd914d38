package recorder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	lock        sync.Mutex
	attached    map[int64]*VideoMetadata
	unavailable map[int64]string
	attachErr   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		attached:    map[int64]*VideoMetadata{},
		unavailable: map[int64]string{},
	}
}

func (s *fakeSink) AttachVideo(incidentID int64, path string, meta *VideoMetadata) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached[incidentID] = meta
	return nil
}

func (s *fakeSink) MarkVideoUnavailable(incidentID int64, reason string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unavailable[incidentID] = reason
	return nil
}

func violentEntry(id int64, ts time.Time, seq int64) *buffers.AnnotatedFrame {
	return &buffers.AnnotatedFrame{
		Frame:      frames.NewTestFrame(id, 1, ts, time.Duration(id)*66*time.Millisecond, 64, 48, 200, 10, 10),
		Verdict:    &nn.Verdict{Probability: 0.9, Detected: true, WindowEnd: ts},
		SequenceID: seq,
		IsViolence: true,
	}
}

func contextEntry(id int64, ts time.Time) *buffers.AnnotatedFrame {
	return &buffers.AnnotatedFrame{
		Frame: frames.NewTestFrame(id, 1, ts, time.Duration(id)*66*time.Millisecond, 64, 48, 10, 10, 10),
	}
}

func TestMergeViolenceWins(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	violence := []*buffers.AnnotatedFrame{
		violentEntry(5, base.Add(5*time.Second), 1),
		violentEntry(6, base.Add(6*time.Second), 1),
	}
	context := []*buffers.AnnotatedFrame{
		contextEntry(4, base.Add(4*time.Second)),
		contextEntry(105, base.Add(5*time.Second)), // same timestamp as violent frame 5
		contextEntry(7, base.Add(7*time.Second)),
	}
	merged := merge(violence, context)
	require.Len(t, merged, 4)
	// Timestamp order, and the contested slot holds the violent frame
	require.Equal(t, int64(4), merged[0].Frame.ID)
	require.Equal(t, int64(5), merged[1].Frame.ID)
	require.True(t, merged[1].IsViolence)
	require.Equal(t, int64(6), merged[2].Frame.ID)
	require.Equal(t, int64(7), merged[3].Frame.ID)
}

func TestExpandReachesTarget(t *testing.T) {
	base := time.Now()
	seq := []*buffers.AnnotatedFrame{
		violentEntry(1, base, 1),
		contextEntry(2, base.Add(time.Second)),
	}
	out, added := expand(seq, 60)
	require.GreaterOrEqual(t, len(out), 60)
	require.Equal(t, len(out)-2, added)
	// Still sorted
	for i := 1; i < len(out); i++ {
		require.False(t, out[i].Timestamp().Before(out[i-1].Timestamp()))
	}
}

func TestExpandPrefersViolence(t *testing.T) {
	base := time.Now()
	seq := []*buffers.AnnotatedFrame{
		violentEntry(1, base, 1),
		contextEntry(2, base.Add(time.Second)),
		contextEntry(3, base.Add(2*time.Second)),
	}
	out, _ := expand(seq, 4)
	require.Len(t, out, 4)
	violent := 0
	for _, f := range out {
		if f.IsViolence {
			violent++
		}
	}
	require.Equal(t, 2, violent)
}

func TestExpandBounded(t *testing.T) {
	// One frame doubles per round at most; ten rounds cannot reach an
	// absurd target, and expand must still terminate
	seq := []*buffers.AnnotatedFrame{violentEntry(1, time.Now(), 1)}
	out, _ := expand(seq, 1<<20)
	require.LessOrEqual(t, len(out), 1<<11)
	require.NotEmpty(t, out)
}

func TestExpandNoopWhenLongEnough(t *testing.T) {
	base := time.Now()
	seq := make([]*buffers.AnnotatedFrame, 100)
	for i := range seq {
		seq[i] = contextEntry(int64(i), base.Add(time.Duration(i)*time.Second))
	}
	out, added := expand(seq, 60)
	require.Len(t, out, 100)
	require.Equal(t, 0, added)
}

func newTestRecorder(t *testing.T, sink IncidentSink) (*Recorder, *buffers.ViolenceBuffer, *buffers.ContextBuffer) {
	violenceBuf := buffers.NewViolenceBuffer(buffers.DefaultViolenceCapacity, 10)
	contextBuf := buffers.NewContextBuffer(buffers.DefaultContextWindow, 40)
	opts := DefaultOptions(t.TempDir())
	r := NewRecorder(log.NewTestingLog(t), opts, violenceBuf, contextBuf, sink, metrics.New())
	return r, violenceBuf, contextBuf
}

func fillBuffers(violenceBuf *buffers.ViolenceBuffer, contextBuf *buffers.ContextBuffer, base time.Time, seq int64) {
	for i := int64(0); i < 150; i++ {
		ts := base.Add(time.Duration(i) * 66 * time.Millisecond)
		frame := frames.NewTestFrame(i+1, 1, ts, time.Duration(i)*66*time.Millisecond, 64, 48, byte(i), 50, 50)
		contextBuf.Add(&buffers.AnnotatedFrame{Frame: frame})
		if i >= 60 && i < 90 {
			violenceBuf.Admit(frame, nil, &nn.Verdict{Probability: 0.85, Detected: true, WindowEnd: ts}, seq)
		}
	}
}

func TestProcessAttachesClip(t *testing.T) {
	sink := newFakeSink()
	r, violenceBuf, contextBuf := newTestRecorder(t, sink)
	encoded := 0
	r.encode = func(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error) {
		encoded = len(seq)
		return 1 << 20, nil
	}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fillBuffers(violenceBuf, contextBuf, base, 7)

	r.process(Job{SequenceID: 7, IncidentID: 42, CameraID: 1, Start: base.Add(4 * time.Second), End: base.Add(6 * time.Second)})

	require.Contains(t, sink.attached, int64(42))
	meta := sink.attached[42]
	require.Equal(t, encoded, meta.FrameCount)
	// Minimum clip duration, with one output frame of tolerance
	minimum := r.opts.MinClip - time.Second/time.Duration(r.opts.FPS)
	require.GreaterOrEqual(t, meta.Duration, minimum)
}

func TestProcessOversizeClip(t *testing.T) {
	sink := newFakeSink()
	r, violenceBuf, contextBuf := newTestRecorder(t, sink)
	r.encode = func(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error) {
		return r.opts.MaxVideoSize + 1, nil
	}
	base := time.Now().Add(-10 * time.Second)
	fillBuffers(violenceBuf, contextBuf, base, 7)

	r.process(Job{SequenceID: 7, IncidentID: 42, Start: base.Add(4 * time.Second), End: base.Add(6 * time.Second)})

	require.NotContains(t, sink.attached, int64(42))
	require.Equal(t, ReasonVideoTooLarge, sink.unavailable[42])
	require.Equal(t, uint64(1), r.metrics.ClipsOversize.Load())
}

func TestProcessEncodeFailure(t *testing.T) {
	sink := newFakeSink()
	r, violenceBuf, contextBuf := newTestRecorder(t, sink)
	r.encode = func(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error) {
		return 0, errors.New("ffmpeg exploded")
	}
	base := time.Now().Add(-10 * time.Second)
	fillBuffers(violenceBuf, contextBuf, base, 7)

	r.process(Job{SequenceID: 7, IncidentID: 42, Start: base.Add(4 * time.Second), End: base.Add(6 * time.Second)})

	require.Equal(t, ReasonEncodeFailed, sink.unavailable[42])
	require.Equal(t, uint64(1), r.metrics.ClipsFailed.Load())
}

func TestProcessNoFrames(t *testing.T) {
	sink := newFakeSink()
	r, _, _ := newTestRecorder(t, sink)
	base := time.Now()
	r.process(Job{SequenceID: 99, IncidentID: 5, Start: base, End: base.Add(time.Second)})
	require.Equal(t, ReasonNoFrames, sink.unavailable[5])
}

func TestEnqueueDropsOldest(t *testing.T) {
	sink := newFakeSink()
	violenceBuf := buffers.NewViolenceBuffer(100, 10)
	contextBuf := buffers.NewContextBuffer(buffers.DefaultContextWindow, 40)
	opts := DefaultOptions(t.TempDir())
	opts.QueueSize = 2
	r := NewRecorder(log.NewTestingLog(t), opts, violenceBuf, contextBuf, sink, metrics.New())

	// Worker is not running, so the queue backs up
	for seq := int64(1); seq <= 4; seq++ {
		r.Enqueue(Job{SequenceID: seq, IncidentID: seq})
	}
	require.Equal(t, uint64(2), r.metrics.RecorderDropped.Load())
	require.Equal(t, ReasonQueueOverflow, sink.unavailable[1])
	require.Equal(t, ReasonQueueOverflow, sink.unavailable[2])

	// Newest jobs survived
	first := <-r.queue
	second := <-r.queue
	require.Equal(t, int64(3), first.SequenceID)
	require.Equal(t, int64(4), second.SequenceID)
}

func TestRecorderLifecycle(t *testing.T) {
	sink := newFakeSink()
	r, violenceBuf, contextBuf := newTestRecorder(t, sink)
	processed := make(chan int64, 10)
	r.encode = func(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error) {
		return 1 << 20, nil
	}
	base := time.Now().Add(-10 * time.Second)
	fillBuffers(violenceBuf, contextBuf, base, 7)
	r.Start()

	ended := &Job{SequenceID: 7, IncidentID: 11, Start: base.Add(4 * time.Second), End: base.Add(6 * time.Second)}
	r.Enqueue(*ended)
	require.Eventually(t, func() bool {
		sink.lock.Lock()
		defer sink.lock.Unlock()
		if _, ok := sink.attached[11]; ok {
			processed <- 11
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	r.Stop(time.Second)
	// Stop is idempotent
	r.Stop(time.Second)
}
