package device

import "math"

const (
	maxFloat16       = 65504.0
	minNormalFloat16 = 6.10351562e-5
)

// Float32ToFloat16 converts f to IEEE 754 binary16 bits.
// NaN and infinities are preserved, finite values beyond the half range clamp
// to ±65504 and values below the smallest normal flush to signed zero.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	if f > maxFloat16 {
		f = maxFloat16
	} else if f < -maxFloat16 {
		f = -maxFloat16
	}

	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	if abs := math.Abs(float64(f)); abs < minNormalFloat16 {
		return sign
	}

	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := uint16((bits >> 13) & 0x3FF)
	if exp >= 0x1F {
		return sign | 0x7BFF
	}
	if exp <= 0 {
		return sign
	}
	return sign | uint16(exp)<<10 | frac
}

// Float16ToFloat32 widens binary16 bits to float32. Subnormals read as zero.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF

	switch exp {
	case 0:
		return math.Float32frombits(sign << 31)
	case 0x1F:
		return math.Float32frombits(sign<<31 | 0xFF<<23 | frac<<13)
	}
	return math.Float32frombits(sign<<31 | (exp-15+127)<<23 | frac<<13)
}
