package cvdnn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSidecarConfigPath(t *testing.T) {
	require.Equal(t, "models/violence.json", sidecarConfigPath("models/violence.onnx"))
	require.Equal(t, "models/yolov4-tiny.json", sidecarConfigPath("models/yolov4-tiny.weights"))
	require.Equal(t, "violence.json", sidecarConfigPath("violence"))
}

func TestSoftmax(t *testing.T) {
	out := softmax([]float32{0, 0})
	require.InDelta(t, 0.5, out[0], 1e-5)
	require.InDelta(t, 0.5, out[1], 1e-5)

	out = softmax([]float32{-1, 3})
	require.InDelta(t, 1.0, out[0]+out[1], 1e-5)
	require.Greater(t, out[1], float32(0.9))

	// Large logits must not overflow
	out = softmax([]float32{1000, 999})
	require.InDelta(t, 1.0, out[0]+out[1], 1e-5)
	require.Greater(t, out[0], out[1])
}
