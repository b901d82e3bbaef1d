package safetensors

import (
	"fmt"
	"math"
)

// Round replaces every value in data with its nearest representation in
// dtype (F32, F16 or BF16), as if the tensor had been stored that way.
func Round(data []float32, dtype string) error {
	switch dtype {
	case "F32":
	case "BF16":
		for i, v := range data {
			data[i] = bf16ToF32(bf16FromF32Bits(math.Float32bits(v)))
		}
	case "F16":
		for i, v := range data {
			data[i] = fp16ToFloat32(float32ToFP16Bits(v))
		}
	default:
		return fmt.Errorf("unsupported dtype %s", dtype)
	}
	return nil
}

func bf16FromF32Bits(u uint32) uint16 {
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x0040 // quiet NaN
	}
	// round-to-nearest-even on the truncated 16 bits
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// float32ToFP16Bits implements IEEE 754 binary16 rounding (nearest-even).
func float32ToFP16Bits(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	switch exp {
	case 0xFF:
		if frac != 0 {
			return sign | 0x7E00 // NaN
		}
		return sign | 0x7C00 // Inf
	case 0:
		// float32 subnormals are far below the fp16 range.
		return sign
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := frac | 0x800000
		shift := uint32(14 - e)
		round := uint32(1) << (shift - 1)
		m = m + round - 1 + ((m >> shift) & 1)
		return sign | uint16(m>>shift)
	}

	m := frac + 0x0FFF + ((frac >> 13) & 1)
	if m&0x800000 != 0 {
		m = 0
		e++
		if e >= 31 {
			return sign | 0x7C00
		}
	}
	return sign | uint16(e<<10) | uint16(m>>13)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
