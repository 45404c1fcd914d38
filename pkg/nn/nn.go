// Package nn is the interface layer between the detection pipeline and the
// neural networks. Concrete model implementations live in pkg/cvdnn.
package nn

import (
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
)

const (
	// DefaultPersonThreshold is the minimum confidence for a person detection
	DefaultPersonThreshold = 0.70
	// DefaultViolenceThreshold is the minimum probability for a positive violence verdict
	DefaultViolenceThreshold = 0.70
	// DefaultWindowSize is the number of frames the violence classifier consumes per run
	DefaultWindowSize = 8
)

// ClassPerson is the only class label the core cares about
const ClassPerson = "person"

// Detection is one person bounding box found in a frame.
// Coordinates are in the frame's pixel space, clipped to frame bounds.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// DetectionParams control an object detection run
type DetectionParams struct {
	ConfidenceThreshold float32 // Boxes below this confidence are discarded. Zero value uses the default.
	NmsIouThreshold     float32 // Boxes overlapping more than this get merged. Zero value uses the default.
}

func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ConfidenceThreshold: DefaultPersonThreshold,
		NmsIouThreshold:     0.45,
	}
}

// Verdict is the output of one violence classifier run over a window of
// exactly WindowSize frames. A verdict is immutable once produced.
type Verdict struct {
	Probability    float32   // Violence-class probability after softmax, in [0,1]
	Detected       bool      // Probability >= threshold
	WindowEnd      time.Time // Wall-clock timestamp of the last frame in the window
	FramesAnalyzed int       // Number of frames the classifier consumed (always the window size)
	Diagnostic     string    // Non-empty when inference failed and this is a neutral verdict
}

// NeutralVerdict is what the classifier returns when inference fails.
// It acts as a negative verdict and never propagates the error into the
// state machine.
func NeutralVerdict(windowEnd time.Time, windowSize int, diagnostic string) Verdict {
	return Verdict{
		Probability:    0,
		Detected:       false,
		WindowEnd:      windowEnd,
		FramesAnalyzed: windowSize,
		Diagnostic:     diagnostic,
	}
}

// ObjectDetector finds persons in a single frame.
// Implementations are stateless across frames.
type ObjectDetector interface {
	// Close releases model resources. You MUST call this when finished.
	Close()
	// DetectObjects returns zero or more detections in the image
	DetectObjects(img *frames.Frame, params *DetectionParams) ([]Detection, error)
	// Config returns the model configuration. Callers assume it is constant.
	Config() *DetectorConfig
}

// ViolenceClassifier runs a temporal model over a preprocessed window of
// frames. The window must hold exactly Config().WindowSize frames; callers
// are responsible for never invoking it with fewer.
type ViolenceClassifier interface {
	Close()
	// Classify consumes one preprocessed window tensor and returns the
	// violence probability (before thresholding).
	Classify(window *FrameTensor) (float32, error)
	Config() *ClassifierConfig
}

// DetectorConfig is saved in a JSON file along with the model weights
type DetectorConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov4-tiny"
	Width        int      `json:"width"`        // eg 416
	Height       int      `json:"height"`       // eg 416
	Classes      []string `json:"classes"`      // COCO class list; we only keep "person"
}

// ClassifierConfig describes the temporal violence model
type ClassifierConfig struct {
	Architecture string     `json:"architecture"` // eg "x3d-s"
	InputSize    int        `json:"inputSize"`    // square input side, eg 224
	WindowSize   int        `json:"windowSize"`   // frames per classifier run, eg 8
	Mean         [3]float32 `json:"mean"`         // per-channel mean, RGB order
	Std          [3]float32 `json:"std"`          // per-channel std, RGB order
}
