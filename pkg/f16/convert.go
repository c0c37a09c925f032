// Package f16 converts between float32 samples and IEEE 754 half
// precision (binary16), little endian.
package f16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Size is the encoded size of one value in bytes.
const Size = 2

var (
	// ErrOddLength indicates a byte slice that is not a whole number of
	// half precision values.
	ErrOddLength = errors.New("f16: data length is not a multiple of 2")
	// ErrChannelMismatch indicates channels of unequal length or a channel
	// count that does not divide the data.
	ErrChannelMismatch = errors.New("f16: channel layout mismatch")
)

// Encode appends the half precision encoding of values to dst.
func Encode(dst []byte, values []float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint16(dst, FromFloat32(v))
	}

	return dst
}

// Decode converts little endian half precision data to float32.
func Decode(data []byte) ([]float32, error) {
	if len(data)%Size != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}

	out := make([]float32, len(data)/Size)
	for i := range out {
		out[i] = ToFloat32(binary.LittleEndian.Uint16(data[i*Size:]))
	}

	return out, nil
}

// EncodeInterleaved encodes channels (channels x samples) frame by frame:
// ch0[0], ch1[0], ..., ch0[1], ...
func EncodeInterleaved(channels [][]float32) ([]byte, error) {
	if len(channels) == 0 {
		return []byte{}, nil
	}

	numSamples := len(channels[0])
	for ch, samples := range channels[1:] {
		if len(samples) != numSamples {
			return nil, fmt.Errorf("%w: channel %d has %d samples, want %d", ErrChannelMismatch, ch+1, len(samples), numSamples)
		}
	}

	out := make([]byte, 0, len(channels)*numSamples*Size)
	for i := range numSamples {
		for _, samples := range channels {
			out = binary.LittleEndian.AppendUint16(out, FromFloat32(samples[i]))
		}
	}

	return out, nil
}

// DecodeInterleaved is the inverse of EncodeInterleaved.
func DecodeInterleaved(data []byte, numChannels int) ([][]float32, error) {
	if len(data)%Size != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}

	total := len(data) / Size
	if numChannels <= 0 || total%numChannels != 0 {
		return nil, fmt.Errorf("%w: %d values for %d channels", ErrChannelMismatch, total, numChannels)
	}

	numSamples := total / numChannels

	out := make([][]float32, numChannels)
	for ch := range out {
		out[ch] = make([]float32, numSamples)
	}

	pos := 0
	for i := range numSamples {
		for ch := range out {
			out[ch][i] = ToFloat32(binary.LittleEndian.Uint16(data[pos:]))
			pos += Size
		}
	}

	return out, nil
}

// FromFloat32 rounds v to the nearest half precision value (ties to
// even). Values beyond the half range become infinity, NaN stays NaN and
// tiny values become subnormals or signed zero.
func FromFloat32(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	exp := int(bits>>23) & 0xff
	mant := bits & 0x7fffff

	switch {
	case exp == 0xff:
		if mant == 0 {
			return sign | 0x7c00
		}
		// keep the payload top bits, force quiet
		return sign | 0x7e00 | uint16(mant>>13)
	case exp == 0:
		// float32 subnormals are far below the half range
		return sign
	}

	e := exp - 127 + 15

	if e >= 0x1f {
		return sign | 0x7c00
	}

	if e <= 0 {
		// half subnormal: shift the full significand into place
		if e < -10 {
			return sign
		}

		m := mant | 0x800000
		shift := uint32(14 - e)
		half := uint32(1) << (shift - 1)
		rest := m & (1<<shift - 1)
		q := m >> shift

		if rest > half || (rest == half && q&1 == 1) {
			q++
		}

		return sign | uint16(q)
	}

	q := uint32(e)<<10 | mant>>13
	rest := mant & 0x1fff

	if rest > 0x1000 || (rest == 0x1000 && q&1 == 1) {
		// a carry into the exponent yields the next binade or infinity
		q++
	}

	return sign | uint16(q)
}

// ToFloat32 widens a half precision value. The conversion is exact.
func ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}

		// subnormal: mant * 2^-24
		v := float32(mant) * (1.0 / (1 << 24))
		if sign != 0 {
			v = -v
		}

		return v
	}

	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// Stats summarises the error of a float32 -> f16 -> float32 round trip.
type Stats struct {
	MaxAbsError float32
	MaxRelError float32
	MeanError   float32 // mean absolute error
	SNR         float32 // dB; 0 when the round trip is exact
}

// AnalyzeConversionError measures how well original survives half
// precision storage.
func AnalyzeConversionError(original []float32) Stats {
	if len(original) == 0 {
		return Stats{}
	}

	var (
		stats                Stats
		sumAbs, noise, power float64
	)

	for _, v := range original {
		diff := ToFloat32(FromFloat32(v)) - v
		absErr := float32(math.Abs(float64(diff)))

		stats.MaxAbsError = max(stats.MaxAbsError, absErr)

		if mag := float32(math.Abs(float64(v))); mag > 1e-10 {
			stats.MaxRelError = max(stats.MaxRelError, absErr/mag)
		}

		sumAbs += float64(absErr)
		noise += float64(diff) * float64(diff)
		power += float64(v) * float64(v)
	}

	stats.MeanError = float32(sumAbs / float64(len(original)))

	if noise > 0 && power > 0 {
		stats.SNR = float32(10 * math.Log10(power/noise))
	}

	return stats
}
