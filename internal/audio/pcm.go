package audio

import (
	"encoding/binary"
	"math"
)

// Decode converts interleaved samples in format f to normalized float32 in
// [-1, 1). It decodes min(len(dst), len(src)/bytesPerSample) samples and
// returns that count.
func Decode(dst []float32, src []byte, f SampleFormat) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := min(len(dst), len(src)/bps)
	switch f {
	case SampleU8:
		for i := range n {
			dst[i] = (float32(src[i]) - 128) / 128
		}
	case SampleS16:
		for i := range n {
			dst[i] = float32(int16(binary.LittleEndian.Uint16(src[i*2:]))) / 32768
		}
	case SampleS24:
		for i := range n {
			b := src[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			dst[i] = float32(v) / 8388608
		}
	case SampleS32:
		for i := range n {
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(src[i*4:]))) / 2147483648)
		}
	case SampleF32:
		for i := range n {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
	return n
}

// Encode is the inverse of Decode, clamping values to the representable
// range of the integer formats. It returns the number of samples encoded.
func Encode(dst []byte, src []float32, f SampleFormat) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := min(len(src), len(dst)/bps)
	for i := range n {
		v := float64(src[i])
		switch f {
		case SampleU8:
			dst[i] = byte(clampInt(math.Round(v*128)+128, 0, 255))
		case SampleS16:
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(clampInt(math.Round(v*32768), -32768, 32767))))
		case SampleS24:
			s := int32(clampInt(math.Round(v*8388608), -8388608, 8388607))
			dst[i*3] = byte(s)
			dst[i*3+1] = byte(s >> 8)
			dst[i*3+2] = byte(s >> 16)
		case SampleS32:
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(clampInt(math.Round(v*2147483648), -2147483648, 2147483647))))
		case SampleF32:
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
		}
	}
	return n
}

func clampInt(v, lo, hi float64) int64 {
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	return int64(v)
}
