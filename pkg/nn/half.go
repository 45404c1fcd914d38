package nn

import "math"

// Float16FromFloat32 converts an IEEE 754 single to a half, with
// round-to-nearest-even. Out-of-range values become +/- infinity.
func Float16FromFloat32(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23)&0xff - 127 + 15
	mant := b & 0x7fffff

	if exp >= 0x1f {
		// Overflow to infinity, or NaN passthrough
		if int32(b>>23)&0xff == 0xff && mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	if exp <= 0 {
		// Subnormal half, or underflow to zero
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		// round to nearest even
		round := mant >> (shift - 1) & 1
		sticky := mant&((1<<(shift-1))-1) != 0
		if round == 1 && (sticky || half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	// round to nearest even
	round := mant >> 12 & 1
	sticky := mant&0xfff != 0
	if round == 1 && (sticky || half&1 == 1) {
		half++ // mantissa overflow carries cleanly into the exponent
	}
	return half
}

// Float32FromFloat16 expands a half back to a single
func Float32FromFloat16(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: normalize
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
}
