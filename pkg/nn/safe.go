package nn

import (
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
)

// errLogInterval rate-limits inference error logs, because a broken model
// fails on every single frame.
const errLogInterval = 15 * time.Second

// SafeDetector wraps an ObjectDetector with the guarantees the pipeline
// relies on: only person boxes at or above the confidence floor come back,
// boxes are clipped to frame bounds, and a model failure yields an empty
// list instead of an error.
type SafeDetector struct {
	Log       log.Log
	inner     ObjectDetector
	params    *DetectionParams
	lastErrAt time.Time
}

func NewSafeDetector(logger log.Log, inner ObjectDetector, confidenceFloor float32) *SafeDetector {
	params := NewDetectionParams()
	if confidenceFloor > 0 {
		params.ConfidenceThreshold = confidenceFloor
	}
	return &SafeDetector{
		Log:    logger,
		inner:  inner,
		params: params,
	}
}

// Detect runs the model on one frame. ok is false when inference failed.
func (d *SafeDetector) Detect(frame *frames.Frame) (detections []Detection, ok bool) {
	raw, err := d.inner.DetectObjects(frame, d.params)
	if err != nil {
		if time.Since(d.lastErrAt) > errLogInterval {
			d.Log.Errorf("Error detecting objects: %v", err)
			d.lastErrAt = time.Now()
		}
		return nil, false
	}
	out := make([]Detection, 0, len(raw))
	for _, det := range raw {
		if det.Class != ClassPerson || det.Confidence < d.params.ConfidenceThreshold {
			continue
		}
		det.Box = det.Box.Clip(frame.Image.Width, frame.Image.Height)
		if det.Box.Area() == 0 {
			continue
		}
		out = append(out, det)
	}
	return out, true
}

func (d *SafeDetector) Close() {
	d.inner.Close()
}

// SafeClassifier wraps a ViolenceClassifier so that a failed inference run
// comes back as a neutral (probability zero) verdict, never an error.
type SafeClassifier struct {
	Log       log.Log
	inner     ViolenceClassifier
	pre       *Preprocessor
	threshold float32
	lastErrAt time.Time
}

func NewSafeClassifier(logger log.Log, inner ViolenceClassifier, pre *Preprocessor, threshold float32) *SafeClassifier {
	if threshold <= 0 {
		threshold = DefaultViolenceThreshold
	}
	return &SafeClassifier{
		Log:       logger,
		inner:     inner,
		pre:       pre,
		threshold: threshold,
	}
}

func (c *SafeClassifier) WindowSize() int {
	return c.inner.Config().WindowSize
}

// CacheLen reports the preprocessor's cache occupancy, for metrics.
func (c *SafeClassifier) CacheLen() int {
	return c.pre.CacheLen()
}

// Classify preprocesses and classifies one full window of frames.
// The returned verdict carries a Diagnostic when inference failed.
func (c *SafeClassifier) Classify(window []*frames.Frame) Verdict {
	windowEnd := window[len(window)-1].WallTime
	tensor, err := c.pre.ForClassifier(window)
	if err != nil {
		// len(window) != WindowSize is a programming error in the caller,
		// but we still refuse to propagate it into the pipeline.
		c.Log.Errorf("Classifier preprocess failed: %v", err)
		return NeutralVerdict(windowEnd, len(window), err.Error())
	}
	prob, err := c.inner.Classify(tensor)
	if err != nil {
		if time.Since(c.lastErrAt) > errLogInterval {
			c.Log.Errorf("Violence inference failed: %v", err)
			c.lastErrAt = time.Now()
		}
		return NeutralVerdict(windowEnd, len(window), err.Error())
	}
	return Verdict{
		Probability:    prob,
		Detected:       prob >= c.threshold,
		WindowEnd:      windowEnd,
		FramesAnalyzed: len(window),
	}
}

func (c *SafeClassifier) Close() {
	c.inner.Close()
}
