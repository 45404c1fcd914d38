package recorder

import (
	"bytes"
	"fmt"
	"os"

	"github.com/bmharper/cimg/v2"
	"github.com/centinelacam/centinela/pkg/shell"
	"github.com/centinelacam/centinela/server/buffers"
)

// encodeClip shells out to ffmpeg, streaming raw RGB frames on stdin and
// producing a Baseline-profile H.264 MP4 at a constant frame rate. Returns
// the encoded size in bytes.
//
// Baseline 3.0 + yuv420p + faststart is the most broadly playable combo;
// evidence clips get opened on whatever device the operator has at hand.
func encodeClip(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error) {
	if len(seq) == 0 {
		return 0, fmt.Errorf("nothing to encode")
	}
	width := seq[0].Frame.Image.Width
	height := seq[0].Frame.Image.Height
	// yuv420p needs even dimensions
	width -= width % 2
	height -= height % 2

	raw := &bytes.Buffer{}
	raw.Grow(len(seq) * width * height * 3)
	for _, f := range seq {
		writeRawFrame(raw, f.Frame.Image, width, height)
	}

	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%vx%v", width, height),
		"-r", fmt.Sprintf("%v", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-pix_fmt", "yuv420p",
		"-preset", "veryfast",
		"-crf", "20",
		"-maxrate", "2M",
		"-bufsize", "4M",
		"-g", "24",
		"-keyint_min", "12",
		"-r", fmt.Sprintf("%v", fps),
		"-vsync", "cfr",
		"-an",
		"-movflags", "+faststart",
		outputPath,
	}
	if err := shell.RunWithStdin(raw, "ffmpeg", args...); err != nil {
		os.Remove(outputPath)
		return 0, fmt.Errorf("ffmpeg failed: %w", err)
	}
	st, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// writeRawFrame emits one frame as packed rgb24, resizing when the source
// does not match the clip resolution (session resolution can change
// mid-sequence when the peer renegotiates).
func writeRawFrame(out *bytes.Buffer, img *cimg.Image, width, height int) {
	if img.Width != width || img.Height != height {
		img = cimg.ResizeNew(img, width, height, nil)
	}
	if img.Stride == width*3 {
		out.Write(img.Pixels[:width*height*3])
		return
	}
	for y := 0; y < height; y++ {
		out.Write(img.Pixels[y*img.Stride : y*img.Stride+width*3])
	}
}
