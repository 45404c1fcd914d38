package cvdnn

import (
	"fmt"
	"image"
	"sync"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"gocv.io/x/gocv"
)

// Detector is a YOLO-family object detector running on OpenCV DNN.
// It implements nn.ObjectDetector.
type Detector struct {
	log    log.Log
	cfg    nn.DetectorConfig
	lock   sync.Mutex // OpenCV nets are not safe for concurrent Forward
	net    gocv.Net
	outs   []string
	closed bool
}

// NewDetector loads model weights plus the JSON sidecar config.
// weightsPath is eg "models/yolov4-tiny.weights", netConfigPath the matching
// .cfg file (empty for ONNX exports).
func NewDetector(logger log.Log, weightsPath, netConfigPath string) (*Detector, error) {
	cfg := nn.DetectorConfig{}
	if err := loadModelConfig(sidecarConfigPath(weightsPath), &cfg); err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("detector config has invalid input size %vx%v", cfg.Width, cfg.Height)
	}
	net, err := loadNet(weightsPath, netConfigPath)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded detector %v (%vx%v, %v classes)", cfg.Architecture, cfg.Width, cfg.Height, len(cfg.Classes))
	return &Detector{
		log:  logger,
		cfg:  cfg,
		net:  net,
		outs: outputLayerNames(&net),
	}, nil
}

func (d *Detector) Config() *nn.DetectorConfig {
	return &d.cfg
}

func (d *Detector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.closed {
		d.net.Close()
		d.closed = true
	}
}

func (d *Detector) DetectObjects(frame *frames.Frame, params *nn.DetectionParams) ([]nn.Detection, error) {
	img := frame.Image
	mat, err := rgbMat(img.Width, img.Height, img.Stride, img.Pixels)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	// Pixels are RGB already, so no channel swap
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.cfg.Width, d.cfg.Height), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil, fmt.Errorf("detector is closed")
	}
	d.net.SetInput(blob, "")
	outputs := d.net.ForwardLayers(d.outs)
	d.lock.Unlock()
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	return d.decode(outputs, img.Width, img.Height, params), nil
}

// decode walks the YOLO output tensors. Each row is
// [cx, cy, w, h, objectness, classScore...], in coordinates normalized to
// the network input, and we run NMS per class before returning.
func (d *Detector) decode(outputs []gocv.Mat, frameWidth, frameHeight int, params *nn.DetectionParams) []nn.Detection {
	confThreshold := params.ConfidenceThreshold
	if confThreshold <= 0 {
		confThreshold = nn.DefaultPersonThreshold
	}
	nmsThreshold := params.NmsIouThreshold
	if nmsThreshold <= 0 {
		nmsThreshold = 0.45
	}

	boxes := []image.Rectangle{}
	scores := []float32{}
	classes := []int{}

	for _, out := range outputs {
		if out.Empty() {
			continue
		}
		data := out.Reshape(1, out.Total()/out.Cols())
		cols := data.Cols()
		for r := 0; r < data.Rows(); r++ {
			objectness := data.GetFloatAt(r, 4)
			bestClass := -1
			bestScore := float32(0)
			for c := 5; c < cols; c++ {
				score := data.GetFloatAt(r, c) * objectness
				if score > bestScore {
					bestScore = score
					bestClass = c - 5
				}
			}
			if bestScore < confThreshold || bestClass < 0 {
				continue
			}
			cx := data.GetFloatAt(r, 0) * float32(frameWidth)
			cy := data.GetFloatAt(r, 1) * float32(frameHeight)
			w := data.GetFloatAt(r, 2) * float32(frameWidth)
			h := data.GetFloatAt(r, 3) * float32(frameHeight)
			x := int(cx - w/2)
			y := int(cy - h/2)
			boxes = append(boxes, image.Rect(x, y, x+int(w), y+int(h)))
			scores = append(scores, bestScore)
			classes = append(classes, bestClass)
		}
		data.Close()
	}

	detections := []nn.Detection{}
	for _, i := range gocv.NMSBoxes(boxes, scores, confThreshold, nmsThreshold) {
		detections = append(detections, nn.Detection{
			Class:      d.className(classes[i]),
			Confidence: scores[i],
			Box: nn.Rect{
				X:      boxes[i].Min.X,
				Y:      boxes[i].Min.Y,
				Width:  boxes[i].Dx(),
				Height: boxes[i].Dy(),
			},
		})
	}
	return detections
}

func (d *Detector) className(id int) string {
	if id >= 0 && id < len(d.cfg.Classes) {
		return d.cfg.Classes[id]
	}
	return fmt.Sprintf("class_%v", id)
}

// rgbMat wraps packed RGB pixels in a Mat. If the source has row padding we
// repack, because OpenCV expects a contiguous buffer here.
func rgbMat(width, height, stride int, pixels []byte) (gocv.Mat, error) {
	packed := pixels
	if stride != width*3 {
		packed = make([]byte, width*height*3)
		for y := 0; y < height; y++ {
			copy(packed[y*width*3:(y+1)*width*3], pixels[y*stride:y*stride+width*3])
		}
	}
	return gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, packed)
}
