package cvdnn

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/chewxy/math32"
	"gocv.io/x/gocv"
)

// violenceClassIndex is the output slot holding the violence logit.
// Slot 0 is the non-violence class.
const violenceClassIndex = 1

// Classifier is a temporal action-recognition model (ONNX export) running
// on OpenCV DNN. It implements nn.ViolenceClassifier.
type Classifier struct {
	log    log.Log
	cfg    nn.ClassifierConfig
	lock   sync.Mutex
	net    gocv.Net
	closed bool
}

// NewClassifier loads the ONNX model and its JSON sidecar config
func NewClassifier(logger log.Log, modelPath string) (*Classifier, error) {
	cfg := nn.ClassifierConfig{}
	if err := loadModelConfig(sidecarConfigPath(modelPath), &cfg); err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 || cfg.InputSize <= 0 {
		return nil, fmt.Errorf("classifier config has invalid window %v / input %v", cfg.WindowSize, cfg.InputSize)
	}
	net, err := loadNet(modelPath, "")
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded classifier %v (window %v, input %v)", cfg.Architecture, cfg.WindowSize, cfg.InputSize)
	return &Classifier{
		log: logger,
		cfg: cfg,
		net: net,
	}, nil
}

func (c *Classifier) Config() *nn.ClassifierConfig {
	return &c.cfg
}

func (c *Classifier) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.net.Close()
		c.closed = true
	}
}

// Classify runs one window through the model and returns the softmax
// probability of the violence class.
func (c *Classifier) Classify(window *nn.FrameTensor) (float32, error) {
	if window.Time != c.cfg.WindowSize || window.Height != c.cfg.InputSize || window.Width != c.cfg.InputSize {
		return 0, fmt.Errorf("tensor shape %vx%vx%vx%v does not match model (%v frames of %vx%v)",
			window.Channels, window.Time, window.Height, window.Width, c.cfg.WindowSize, c.cfg.InputSize, c.cfg.InputSize)
	}

	// The model consumes float32; expand from the half precision store
	values := window.Float32()
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	sizes := []int{1, window.Channels, window.Time, window.Height, window.Width}
	blob, err := gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV32F, raw)
	if err != nil {
		return 0, err
	}
	defer blob.Close()

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return 0, fmt.Errorf("classifier is closed")
	}
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	c.lock.Unlock()
	defer out.Close()

	logits := out.Reshape(1, 1)
	defer logits.Close()
	n := logits.Cols()
	if n <= violenceClassIndex {
		return 0, fmt.Errorf("model produced %v outputs, need at least %v", n, violenceClassIndex+1)
	}
	values = make([]float32, n)
	for i := 0; i < n; i++ {
		values[i] = logits.GetFloatAt(0, i)
	}
	return softmax(values)[violenceClassIndex], nil
}

// softmax in a numerically stable form
func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		maxLogit = math32.Max(maxLogit, v)
	}
	out := make([]float32, len(logits))
	sum := float32(0)
	for i, v := range logits {
		out[i] = math32.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
