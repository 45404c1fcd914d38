package buffers

import (
	"fmt"
	"image"

	"github.com/bmharper/cimg/v2"
	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/fogleman/gg"
)

// OverlayText is burned into every violence frame
const OverlayText = "VIOLENCIA DETECTADA"

// DrawViolenceOverlay returns a copy of the frame with the alert overlay
// burned in: a translucent red band across the top carrying the alert text,
// probability and timestamp, plus a red rectangle around every detection.
// The input frame is not modified.
func DrawViolenceOverlay(frame *frames.Frame, detections []nn.Detection, probability float32) *frames.Frame {
	rgba := rgbToRGBA(frame.Image)
	dc := gg.NewContextForRGBA(rgba)

	bandHeight := float64(frame.Image.Height) * 0.12
	if bandHeight < 18 {
		bandHeight = 18
	}
	dc.SetRGBA(0.85, 0, 0, 0.55)
	dc.DrawRectangle(0, 0, float64(frame.Image.Width), bandHeight)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	label := fmt.Sprintf("%v  %.0f%%  %v", OverlayText, probability*100, frame.WallTime.Format("2006-01-02 15:04:05"))
	dc.DrawStringAnchored(label, 6, bandHeight/2, 0, 0.35)

	dc.SetRGB(0.9, 0, 0)
	dc.SetLineWidth(2)
	for _, det := range detections {
		dc.DrawRectangle(float64(det.Box.X), float64(det.Box.Y), float64(det.Box.Width), float64(det.Box.Height))
		dc.Stroke()
	}

	out := frame.Clone()
	rgbaToRGB(rgba, out.Image)
	return out
}

// DrawDetectionBoxes is the calm-scene variant used for the live stream:
// green boxes, no band.
func DrawDetectionBoxes(frame *frames.Frame, detections []nn.Detection) *frames.Frame {
	if len(detections) == 0 {
		return frame
	}
	rgba := rgbToRGBA(frame.Image)
	dc := gg.NewContextForRGBA(rgba)
	dc.SetRGB(0, 0.85, 0.1)
	dc.SetLineWidth(2)
	for _, det := range detections {
		dc.DrawRectangle(float64(det.Box.X), float64(det.Box.Y), float64(det.Box.Width), float64(det.Box.Height))
		dc.Stroke()
	}
	out := frame.Clone()
	rgbaToRGB(rgba, out.Image)
	return out
}

func rgbToRGBA(src *cimg.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		srcRow := src.Pixels[y*src.Stride:]
		dstRow := dst.Pix[y*dst.Stride:]
		for x := 0; x < src.Width; x++ {
			dstRow[x*4] = srcRow[x*3]
			dstRow[x*4+1] = srcRow[x*3+1]
			dstRow[x*4+2] = srcRow[x*3+2]
			dstRow[x*4+3] = 255
		}
	}
	return dst
}

func rgbaToRGB(src *image.RGBA, dst *cimg.Image) {
	for y := 0; y < dst.Height; y++ {
		srcRow := src.Pix[y*src.Stride:]
		dstRow := dst.Pixels[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			dstRow[x*3] = srcRow[x*4]
			dstRow[x*3+1] = srcRow[x*4+1]
			dstRow[x*3+2] = srcRow[x*4+2]
		}
	}
}
