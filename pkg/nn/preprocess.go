package nn

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/chewxy/math32"
)

// DefaultPreprocessCacheSize bounds the LRU of preprocessed classifier planes
const DefaultPreprocessCacheSize = 100

// Preprocessor performs image format conversion and resizing so that frames
// can be fed to the two models. The classifier path is the expensive one
// (letterbox + per-channel normalize + half conversion), so results are
// cached by frame content hash. The same frame content gets requested more
// than once when the sliding window overlaps, and whenever the evidence
// recorder re-duplicates frames.
type Preprocessor struct {
	detector   *DetectorConfig
	classifier *ClassifierConfig

	cacheLock sync.Mutex
	cacheCap  int
	cache     map[uint64]*list.Element // frame content hash -> *cacheEntry
	lru       *list.List               // front = most recently used
}

type cacheEntry struct {
	key   uint64
	plane []uint16 // normalized CHW plane, half precision
}

func NewPreprocessor(detector *DetectorConfig, classifier *ClassifierConfig) *Preprocessor {
	return &Preprocessor{
		detector:   detector,
		classifier: classifier,
		cacheCap:   DefaultPreprocessCacheSize,
		cache:      map[uint64]*list.Element{},
		lru:        list.New(),
	}
}

// ForDetector resizes a frame to the detector's input resolution.
// No normalization happens here; the detection backend scales pixel values
// itself when it builds its input blob.
func (p *Preprocessor) ForDetector(frame *frames.Frame) *cimg.Image {
	img := frame.Image
	if img.Width == p.detector.Width && img.Height == p.detector.Height {
		return img
	}
	return cimg.ResizeNew(img, p.detector.Width, p.detector.Height, nil)
}

// ForClassifier assembles a window of frames into the classifier's input
// tensor. The window must hold exactly the classifier's window size.
func (p *Preprocessor) ForClassifier(window []*frames.Frame) (*FrameTensor, error) {
	cfg := p.classifier
	if len(window) != cfg.WindowSize {
		return nil, fmt.Errorf("Classifier window must hold exactly %v frames, got %v", cfg.WindowSize, len(window))
	}
	tensor := NewFrameTensor(3, cfg.WindowSize, cfg.InputSize, cfg.InputSize)
	for i, frame := range window {
		plane := p.classifierPlane(frame)
		tensor.SetFramePlane(i, plane)
	}
	return tensor, nil
}

// classifierPlane returns the letterboxed, normalized CHW plane for one
// frame, from cache when possible.
func (p *Preprocessor) classifierPlane(frame *frames.Frame) []uint16 {
	key := frame.ContentHash()

	p.cacheLock.Lock()
	if el, ok := p.cache[key]; ok {
		p.lru.MoveToFront(el)
		plane := el.Value.(*cacheEntry).plane
		p.cacheLock.Unlock()
		return plane
	}
	p.cacheLock.Unlock()

	// Build outside the lock. If two goroutines race on the same frame we
	// do the work twice, but the cache stays consistent.
	plane := p.buildPlane(frame.Image)

	p.cacheLock.Lock()
	if _, ok := p.cache[key]; !ok {
		p.cache[key] = p.lru.PushFront(&cacheEntry{key: key, plane: plane})
		for p.lru.Len() > p.cacheCap {
			oldest := p.lru.Back()
			p.lru.Remove(oldest)
			delete(p.cache, oldest.Value.(*cacheEntry).key)
		}
	}
	p.cacheLock.Unlock()
	return plane
}

// buildPlane letterboxes the image into the classifier's square input,
// preserving aspect ratio with black bars, then normalizes each channel
// with the model's mean/std and converts to half precision.
func (p *Preprocessor) buildPlane(img *cimg.Image) []uint16 {
	size := p.classifier.InputSize

	scaleX := float32(size) / float32(img.Width)
	scaleY := float32(size) / float32(img.Height)
	scale := math32.Min(scaleX, scaleY)
	scaledWidth := int(float32(img.Width)*scale + 0.5)
	scaledHeight := int(float32(img.Height)*scale + 0.5)

	var scaled *cimg.Image
	if scaledWidth == img.Width && scaledHeight == img.Height {
		scaled = img
	} else {
		scaled = cimg.ResizeNew(img, scaledWidth, scaledHeight, nil)
	}

	// Center the scaled image on the square canvas
	padX := (size - scaledWidth) / 2
	padY := (size - scaledHeight) / 2

	mean := p.classifier.Mean
	std := p.classifier.Std
	hw := size * size
	plane := make([]uint16, 3*hw)

	// The canvas is black, and black normalizes to (0-mean)/std per channel
	for c := 0; c < 3; c++ {
		pad := Float16FromFloat32((0 - mean[c]) / std[c])
		base := c * hw
		for i := 0; i < hw; i++ {
			plane[base+i] = pad
		}
	}

	for y := 0; y < scaledHeight; y++ {
		row := scaled.Pixels[y*scaled.Stride:]
		dstRow := (y + padY) * size
		for x := 0; x < scaledWidth; x++ {
			dst := dstRow + x + padX
			for c := 0; c < 3; c++ {
				v := float32(row[x*3+c]) / 255.0
				plane[c*hw+dst] = Float16FromFloat32((v - mean[c]) / std[c])
			}
		}
	}
	return plane
}

// CacheLen returns the number of cached classifier planes (for tests and stats)
func (p *Preprocessor) CacheLen() int {
	p.cacheLock.Lock()
	defer p.cacheLock.Unlock()
	return p.lru.Len()
}
