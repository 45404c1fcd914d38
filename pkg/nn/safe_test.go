package nn

import (
	"errors"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	detections []Detection
	err        error
}

func (d *fakeDetector) Close() {}
func (d *fakeDetector) DetectObjects(img *frames.Frame, params *DetectionParams) ([]Detection, error) {
	return d.detections, d.err
}
func (d *fakeDetector) Config() *DetectorConfig {
	return testDetectorConfig()
}

type fakeClassifier struct {
	prob float32
	err  error
}

func (c *fakeClassifier) Close() {}
func (c *fakeClassifier) Classify(window *FrameTensor) (float32, error) {
	return c.prob, c.err
}
func (c *fakeClassifier) Config() *ClassifierConfig {
	return testClassifierConfig()
}

func TestSafeDetectorFilters(t *testing.T) {
	inner := &fakeDetector{
		detections: []Detection{
			{Class: "person", Confidence: 0.9, Box: Rect{X: 10, Y: 10, Width: 20, Height: 20}},
			{Class: "person", Confidence: 0.5, Box: Rect{X: 0, Y: 0, Width: 10, Height: 10}},     // below floor
			{Class: "dog", Confidence: 0.95, Box: Rect{X: 0, Y: 0, Width: 10, Height: 10}},       // wrong class
			{Class: "person", Confidence: 0.8, Box: Rect{X: 40, Y: -5, Width: 30, Height: 20}},   // clipped
			{Class: "person", Confidence: 0.8, Box: Rect{X: 200, Y: 200, Width: 10, Height: 10}}, // fully outside
		},
	}
	det := NewSafeDetector(log.NewTestingLog(t), inner, 0.7)
	frame := frames.NewTestFrame(1, 1, time.Now(), 0, 64, 48, 0, 0, 0)
	out, ok := det.Detect(frame)
	require.True(t, ok)
	require.Len(t, out, 2)
	require.Equal(t, Rect{X: 10, Y: 10, Width: 20, Height: 20}, out[0].Box)
	require.Equal(t, Rect{X: 40, Y: 0, Width: 24, Height: 15}, out[1].Box)
}

func TestSafeDetectorErrorYieldsEmpty(t *testing.T) {
	inner := &fakeDetector{err: errors.New("model exploded")}
	det := NewSafeDetector(log.NewTestingLog(t), inner, 0.7)
	frame := frames.NewTestFrame(1, 1, time.Now(), 0, 64, 48, 0, 0, 0)
	out, ok := det.Detect(frame)
	require.False(t, ok)
	require.Empty(t, out)
}

func TestSafeClassifierVerdict(t *testing.T) {
	pre := NewPreprocessor(testDetectorConfig(), testClassifierConfig())
	cls := NewSafeClassifier(log.NewTestingLog(t), &fakeClassifier{prob: 0.83}, pre, 0.7)
	window := makeWindow(t, 4, 48, 32)

	verdict := cls.Classify(window)
	require.True(t, verdict.Detected)
	require.Equal(t, float32(0.83), verdict.Probability)
	require.Equal(t, window[3].WallTime, verdict.WindowEnd)
	require.Equal(t, 4, verdict.FramesAnalyzed)
	require.Empty(t, verdict.Diagnostic)
}

func TestSafeClassifierBelowThreshold(t *testing.T) {
	pre := NewPreprocessor(testDetectorConfig(), testClassifierConfig())
	cls := NewSafeClassifier(log.NewTestingLog(t), &fakeClassifier{prob: 0.42}, pre, 0.7)
	verdict := cls.Classify(makeWindow(t, 4, 48, 32))
	require.False(t, verdict.Detected)
	require.Equal(t, float32(0.42), verdict.Probability)
}

func TestSafeClassifierNeutralOnError(t *testing.T) {
	pre := NewPreprocessor(testDetectorConfig(), testClassifierConfig())
	cls := NewSafeClassifier(log.NewTestingLog(t), &fakeClassifier{err: errors.New("inference failed")}, pre, 0.7)
	window := makeWindow(t, 4, 48, 32)

	verdict := cls.Classify(window)
	require.False(t, verdict.Detected)
	require.Equal(t, float32(0), verdict.Probability)
	require.Equal(t, window[3].WallTime, verdict.WindowEnd)
	require.NotEmpty(t, verdict.Diagnostic)
}
