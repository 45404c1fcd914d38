package nn

// FrameTensor is one preprocessed classifier window, arranged in the
// (batch, channel, time, height, width) layout the temporal model expects,
// stored in half precision. Batch is always 1.
type FrameTensor struct {
	Channels int
	Time     int // number of frames in the window
	Height   int
	Width    int
	Data     []uint16 // float16 values, C*T*H*W
}

func NewFrameTensor(channels, frames, height, width int) *FrameTensor {
	return &FrameTensor{
		Channels: channels,
		Time:     frames,
		Height:   height,
		Width:    width,
		Data:     make([]uint16, channels*frames*height*width),
	}
}

// At returns the value at (channel, frame, y, x), expanded to float32
func (t *FrameTensor) At(c, f, y, x int) float32 {
	return Float32FromFloat16(t.Data[((c*t.Time+f)*t.Height+y)*t.Width+x])
}

// SetFramePlane copies one normalized CHW frame plane into time slot f.
// plane must hold Channels*Height*Width values in CHW order.
func (t *FrameTensor) SetFramePlane(f int, plane []uint16) {
	hw := t.Height * t.Width
	for c := 0; c < t.Channels; c++ {
		dst := (c*t.Time + f) * hw
		copy(t.Data[dst:dst+hw], plane[c*hw:(c+1)*hw])
	}
}

// Float32 expands the whole tensor to float32, for inference backends that
// don't consume half precision directly.
func (t *FrameTensor) Float32() []float32 {
	out := make([]float32, len(t.Data))
	for i, h := range t.Data {
		out[i] = Float32FromFloat16(h)
	}
	return out
}
