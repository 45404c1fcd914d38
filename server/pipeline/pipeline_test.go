package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/stretchr/testify/require"
)

// scriptedDetector returns a fixed person count for every frame
type scriptedDetector struct {
	persons func(call int) int
	calls   int
}

func (d *scriptedDetector) Close() {}
func (d *scriptedDetector) Config() *nn.DetectorConfig {
	return &nn.DetectorConfig{Width: 64, Height: 64, Classes: []string{"person"}}
}
func (d *scriptedDetector) DetectObjects(img *frames.Frame, params *nn.DetectionParams) ([]nn.Detection, error) {
	n := d.persons(d.calls)
	d.calls++
	out := make([]nn.Detection, n)
	for i := range out {
		out[i] = nn.Detection{Class: "person", Confidence: 0.9, Box: nn.Rect{X: i * 10, Y: 5, Width: 8, Height: 20}}
	}
	return out, nil
}

// scriptedClassifier returns probabilities[run] for each window, and an
// error for runs where failAt says so
type scriptedClassifier struct {
	probabilities []float32
	failAt        map[int]bool
	runs          int
}

func (c *scriptedClassifier) Close() {}
func (c *scriptedClassifier) Config() *nn.ClassifierConfig {
	return &nn.ClassifierConfig{InputSize: 32, WindowSize: 8, Mean: [3]float32{0.45, 0.45, 0.45}, Std: [3]float32{0.225, 0.225, 0.225}}
}
func (c *scriptedClassifier) Classify(window *nn.FrameTensor) (float32, error) {
	run := c.runs
	c.runs++
	if c.failAt[run] {
		return 0, errors.New("injected inference failure")
	}
	if run < len(c.probabilities) {
		return c.probabilities[run], nil
	}
	return 0.1, nil
}

// fakeCoordinator records side effects
type fakeCoordinator struct {
	incidents   []int
	alarms      int
	voiceAlerts int
	failCreate  bool
}

func (f *fakeCoordinator) CreateIncident(cameraID int64, probability float32, persons int, startTime time.Time, location string) (int64, error) {
	if f.failCreate {
		return 0, errors.New("database is down")
	}
	f.incidents = append(f.incidents, persons)
	return int64(len(f.incidents)), nil
}
func (f *fakeCoordinator) ActivateAlarm() { f.alarms++ }
func (f *fakeCoordinator) EmitVoiceAlert(location string, probability float32, persons int, force bool) {
	f.voiceAlerts++
}

type harness struct {
	pipeline   *Pipeline
	detector   *scriptedDetector
	classifier *scriptedClassifier
	coord      *fakeCoordinator
	violence   *buffers.ViolenceBuffer
	context    *buffers.ContextBuffer
	events     chan *Event
	clock      time.Time
	frameID    int64
}

func newHarness(t *testing.T, persons func(call int) int, probabilities []float32, failAt map[int]bool) *harness {
	logger := log.NewTestingLog(t)
	det := &scriptedDetector{persons: persons}
	cls := &scriptedClassifier{probabilities: probabilities, failAt: failAt}
	pre := nn.NewPreprocessor(det.Config(), cls.Config())
	coord := &fakeCoordinator{}
	violenceBuf := buffers.NewViolenceBuffer(buffers.DefaultViolenceCapacity, 10)
	contextBuf := buffers.NewContextBuffer(buffers.DefaultContextWindow, 40)
	h := &harness{
		detector:   det,
		classifier: cls,
		coord:      coord,
		violence:   violenceBuf,
		context:    contextBuf,
		events:     make(chan *Event, 100),
		clock:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	h.pipeline = NewPipeline(logger, 1, "Entrada principal", DefaultOptions(),
		nn.NewSafeDetector(logger, det, 0.7),
		nn.NewSafeClassifier(logger, cls, pre, 0.7),
		violenceBuf, contextBuf, coord, metrics.New())
	h.pipeline.AddWatcher(h.events)
	return h
}

// feed pushes n frames at 15 fps
func (h *harness) feed(n int) {
	for i := 0; i < n; i++ {
		h.frameID++
		frame := frames.NewTestFrame(h.frameID, 1, h.clock, time.Duration(h.frameID)*66*time.Millisecond, 64, 48, byte(h.frameID%200), 50, 50)
		h.pipeline.ProcessFrame(frame)
		h.clock = h.clock.Add(66 * time.Millisecond)
	}
}

func (h *harness) drainEvents() []*Event {
	out := []*Event{}
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(events []*Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// The classifier must only ever see full windows: floor(K/8) runs for K
// frames with detections.
func TestWindowInvariant(t *testing.T) {
	h := newHarness(t, func(int) int { return 2 }, nil, nil)
	h.feed(100)
	require.Equal(t, 100/8, h.classifier.runs)
}

// Empty scenes skip the classifier entirely and only feed the context buffer
func TestEmptyScene(t *testing.T) {
	h := newHarness(t, func(int) int { return 0 }, nil, nil)
	h.feed(150)
	require.Equal(t, 0, h.classifier.runs)
	require.Empty(t, h.coord.incidents)
	require.Equal(t, 0, h.violence.Len())
	require.Equal(t, 150, h.context.Len())
	require.Equal(t, StateIdle, h.pipeline.State())
}

// One positive verdict, then calm: one incident, one alarm, one voice
// alert, one Ended event after cooldown + post-roll.
func TestSingleSequence(t *testing.T) {
	probs := make([]float32, 40)
	for i := range probs {
		probs[i] = 0.1
	}
	probs[8] = 0.82
	h := newHarness(t, func(int) int { return 2 }, probs, nil)

	// 9 windows of 8 frames puts us just past the positive verdict
	h.feed(9 * 8)
	require.Equal(t, StateActive, h.pipeline.State())
	require.Equal(t, []int{2}, h.coord.incidents)
	require.Equal(t, 1, h.coord.alarms)
	require.Equal(t, 1, h.coord.voiceAlerts)

	// Keep feeding negatives; 2s cooldown then 6s post-roll at 15fps
	h.feed(15 * 10)
	require.Equal(t, StateIdle, h.pipeline.State())

	events := h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceStarted))
	require.Equal(t, 1, countKind(events, EventSequenceCooling))
	require.Equal(t, 1, countKind(events, EventSequenceEnded))

	ended := events[len(events)-1]
	require.Equal(t, EventSequenceEnded, ended.Kind)
	require.Equal(t, float32(0.82), ended.Probability)
	require.Positive(t, ended.IncidentID)

	// Once idle, nothing more fires
	h.feed(50)
	require.Equal(t, []int{2}, h.coord.incidents)
	require.Equal(t, 1, h.coord.alarms)
}

// Alternating verdicts must stay within a single sequence: the gap between
// positives (8 frames at 15fps, ~0.5s) never exceeds the 2s cooldown.
func TestFlappingStaysOneSequence(t *testing.T) {
	probs := make([]float32, 20)
	for i := range probs {
		if i%2 == 0 {
			probs[i] = 0.9
		} else {
			probs[i] = 0.1
		}
	}
	h := newHarness(t, func(int) int { return 3 }, probs, nil)
	h.feed(20 * 8)
	require.Equal(t, 1, len(h.coord.incidents))
	require.Equal(t, 1, h.coord.alarms)
	require.Equal(t, 1, h.coord.voiceAlerts)

	// Let it cool down and end
	h.feed(15 * 10)
	events := h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceStarted))
	require.Equal(t, 1, countKind(events, EventSequenceEnded))
}

// Cooling -> Active resume keeps the same sequence and does not re-fire
// the side effects.
func TestResumeFromCooling(t *testing.T) {
	probs := make([]float32, 40)
	for i := range probs {
		probs[i] = 0.1
	}
	probs[0] = 0.85
	probs[6] = 0.85 // ~3.2s after the first positive: past cooldown, inside post-roll
	h := newHarness(t, func(int) int { return 2 }, probs, nil)

	h.feed(8 * 7)
	events := h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceStarted))
	require.Equal(t, 1, countKind(events, EventSequenceCooling))
	require.Equal(t, 0, countKind(events, EventSequenceEnded))
	require.Equal(t, StateActive, h.pipeline.State())
	require.Equal(t, 1, len(h.coord.incidents))
	require.Equal(t, 1, h.coord.alarms)

	h.feed(15 * 10)
	events = h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceEnded))
	require.Equal(t, 1, len(h.coord.incidents))
}

// Inference failures act as negative verdicts and nothing more
func TestClassifierFailureIsNegative(t *testing.T) {
	probs := make([]float32, 20)
	for i := range probs {
		probs[i] = 0.1
	}
	probs[5] = 0.9
	h := newHarness(t, func(int) int { return 2 }, probs, map[int]bool{0: true, 1: true, 2: true})

	h.feed(8 * 5)
	require.Equal(t, StateIdle, h.pipeline.State())
	require.Empty(t, h.coord.incidents)

	// A later positive still starts a sequence
	h.feed(8)
	require.Equal(t, StateActive, h.pipeline.State())
	require.Equal(t, 1, len(h.coord.incidents))
}

// One person on camera is recorded as two
func TestPersonFloor(t *testing.T) {
	probs := []float32{0.91}
	h := newHarness(t, func(int) int { return 1 }, probs, nil)
	h.feed(8)
	require.Equal(t, []int{2}, h.coord.incidents)
}

// A store failure must not stop alarm or voice; the sequence carries a
// synthetic negative incident id.
func TestIncidentPersistFailure(t *testing.T) {
	probs := []float32{0.88}
	h := newHarness(t, func(int) int { return 2 }, probs, nil)
	h.coord.failCreate = true
	h.feed(8)
	require.Equal(t, 1, h.coord.alarms)
	require.Equal(t, 1, h.coord.voiceAlerts)
	events := h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceStarted))
	require.Negative(t, events[0].IncidentID)
}

// Closing mid-sequence finalizes it so the recorder still gets a job
func TestCloseFinalizesSequence(t *testing.T) {
	probs := []float32{0.9}
	h := newHarness(t, func(int) int { return 2 }, probs, nil)
	h.feed(8)
	require.Equal(t, StateActive, h.pipeline.State())
	h.pipeline.Close()
	require.Equal(t, StateIdle, h.pipeline.State())
	events := h.drainEvents()
	require.Equal(t, 1, countKind(events, EventSequenceEnded))
}

// During a sequence, frames flow into the violence buffer even between
// classifier runs, and the buffer's accounting matches the duplication
// policy.
func TestViolenceBufferFedDuringSequence(t *testing.T) {
	probs := []float32{0.9, 0.9}
	h := newHarness(t, func(int) int { return 2 }, probs, nil)
	h.feed(17)
	stats := h.violence.Stats()
	// Frame 8 carries the first positive verdict; frames 9..17 land inside
	// the active sequence. 10 originals, each duplicated K=10 times.
	require.Equal(t, int64(10), stats.Originals)
	require.Equal(t, int64(100), stats.Duplicates)
}
