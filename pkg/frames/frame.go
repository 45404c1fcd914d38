package frames

import (
	"hash/fnv"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Frame is the fundamental unit that flows through the detection pipeline.
// A frame is created by a camera session's capture thread, copied into at
// most two buffers (context + violence), and garbage collected when both
// buffers have evicted it.
type Frame struct {
	ID       int64         // Monotonically increasing frame id, per session
	CameraID int64         // Session that produced this frame
	WallTime time.Time     // Wall-clock capture time
	Mono     time.Duration // Monotonic clock, relative to session start
	Image    *cimg.Image   // RGB pixels
}

// ContentHash returns a hash of the pixel content.
// We sample rows rather than hashing every byte, because this gets called
// on the hot path, and two frames that share 1/8th of their rows byte-for-byte
// are the same frame for caching purposes.
func (f *Frame) ContentHash() uint64 {
	h := fnv.New64a()
	img := f.Image
	rowStep := img.Height / 8
	if rowStep < 1 {
		rowStep = 1
	}
	for y := 0; y < img.Height; y += rowStep {
		start := y * img.Stride
		h.Write(img.Pixels[start : start+img.Width*img.NChan()])
	}
	return h.Sum64()
}

// Clone makes a deep copy of the frame, including pixels.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Image = f.Image.Clone()
	return &c
}

// NewTestFrame creates a uniformly colored frame. Used by unit tests and the
// synthetic capture source.
func NewTestFrame(id, cameraID int64, wallTime time.Time, mono time.Duration, width, height int, r, g, b byte) *Frame {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := 0; i < len(img.Pixels); i += 3 {
		img.Pixels[i] = r
		img.Pixels[i+1] = g
		img.Pixels[i+2] = b
	}
	return &Frame{
		ID:       id,
		CameraID: cameraID,
		WallTime: wallTime,
		Mono:     mono,
		Image:    img,
	}
}
