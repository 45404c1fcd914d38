package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"gocv.io/x/gocv"
)

// FrameSource is where a session's frames come from. The production
// implementation wraps a capture device; tests use the synthetic source.
type FrameSource interface {
	// ReadFrame blocks until the next frame is available.
	// The returned image is owned by the caller.
	ReadFrame() (*cimg.Image, error)
	Close()
}

// CaptureSource reads from a physical camera (or a stream URL) through
// OpenCV. Frames are converted to RGB at the session resolution.
type CaptureSource struct {
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	rgb    gocv.Mat
	width  int
	height int
}

// OpenCaptureSource opens a device. device can be an index ("0") or a URL.
func OpenCaptureSource(device string, width, height int) (*CaptureSource, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %v: %w", device, err)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return &CaptureSource{
		cap:    cap,
		mat:    gocv.NewMat(),
		rgb:    gocv.NewMat(),
		width:  width,
		height: height,
	}, nil
}

func (s *CaptureSource) ReadFrame() (*cimg.Image, error) {
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("capture read failed")
	}
	// OpenCV hands us BGR; everything downstream is RGB
	if err := gocv.CvtColor(s.mat, &s.rgb, gocv.ColorBGRToRGB); err != nil {
		return nil, err
	}
	raw, err := s.rgb.ToBytes()
	if err != nil {
		return nil, err
	}
	img := cimg.NewImage(s.rgb.Cols(), s.rgb.Rows(), cimg.PixelFormatRGB)
	copy(img.Pixels, raw)
	if img.Width != s.width || img.Height != s.height {
		img = cimg.ResizeNew(img, s.width, s.height, nil)
	}
	return img, nil
}

func (s *CaptureSource) Close() {
	s.cap.Close()
	s.mat.Close()
	s.rgb.Close()
}

// SyntheticSource produces artificial frames at a fixed rate. Used by unit
// tests and by the --fake-camera development mode.
type SyntheticSource struct {
	Width    int
	Height   int
	Interval time.Duration
	counter  atomic.Int64
	closed   atomic.Bool
}

func NewSyntheticSource(width, height int, fps int) *SyntheticSource {
	return &SyntheticSource{
		Width:    width,
		Height:   height,
		Interval: time.Second / time.Duration(fps),
	}
}

func (s *SyntheticSource) ReadFrame() (*cimg.Image, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("source closed")
	}
	if s.Interval > 0 {
		time.Sleep(s.Interval)
	}
	n := s.counter.Add(1)
	img := cimg.NewImage(s.Width, s.Height, cimg.PixelFormatRGB)
	shade := byte(n % 251)
	for i := 0; i < len(img.Pixels); i += 3 {
		img.Pixels[i] = shade
		img.Pixels[i+1] = byte((n / 7) % 251)
		img.Pixels[i+2] = 40
	}
	return img, nil
}

func (s *SyntheticSource) Close() {
	s.closed.Store(true)
}

var _ FrameSource = &CaptureSource{}
var _ FrameSource = &SyntheticSource{}
