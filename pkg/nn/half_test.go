package nn

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestHalfRoundtrip(t *testing.T) {
	// Values exactly representable in float16 must roundtrip unchanged
	exact := []float32{0, 1, -1, 0.5, 0.25, -0.75, 2, 1024, -2048, 65504}
	for _, v := range exact {
		require.Equal(t, v, Float32FromFloat16(Float16FromFloat32(v)), "value %v", v)
	}
}

func TestHalfPrecision(t *testing.T) {
	// Normalized image values live in roughly [-3, 3] after mean/std, where
	// float16 resolution is at worst about 2^-9. Make sure we stay inside that.
	for v := float32(-3); v <= 3; v += 0.0137 {
		got := Float32FromFloat16(Float16FromFloat32(v))
		require.LessOrEqual(t, math32.Abs(got-v), float32(1.0/512), "value %v", v)
	}
}

func TestHalfSpecials(t *testing.T) {
	inf := math32.Inf(1)
	require.True(t, math32.IsInf(Float32FromFloat16(Float16FromFloat32(inf)), 1))
	require.True(t, math32.IsInf(Float32FromFloat16(Float16FromFloat32(-inf)), -1))
	require.True(t, math32.IsNaN(Float32FromFloat16(Float16FromFloat32(math32.NaN()))))
	// Overflow saturates to infinity
	require.True(t, math32.IsInf(Float32FromFloat16(Float16FromFloat32(70000)), 1))
	// Subnormals survive
	require.InDelta(t, 1e-5, Float32FromFloat16(Float16FromFloat32(1e-5)), 1e-7)
}
