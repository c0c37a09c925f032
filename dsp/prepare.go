package dsp

import (
	"errors"
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"
)

const (
	// trimThreshold is -80 dB.
	trimThreshold = 1e-4

	normaliseTarget = 0.125
	normaliseFloor  = 1e-8
)

// ErrInvalidSampleRate indicates a sample rate <= 0 or NaN.
var ErrInvalidSampleRate = errors.New("invalid sample rate")

// IRSettings selects the preparation steps applied to a loaded IR.
type IRSettings struct {
	// Stereo keeps up to two IR channels; otherwise only the first is used.
	Stereo bool
	// Trim drops leading and trailing samples below -80 dB.
	Trim bool
	// Normalise scales the IR to a fixed energy.
	Normalise bool
}

// ImpulseResponse is raw IR data (channels x samples) at SampleRate.
type ImpulseResponse struct {
	Samples    [][]float32
	SampleRate float64
}

// Resampler converts multichannel audio between sample rates. The result
// must have round(max(1, n*dstRate/srcRate)) samples per channel;
// ResampleImpulseResponse enforces this.
type Resampler interface {
	ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error)
}

// FixNumChannels keeps the first min(channels, 1 or 2) channels of ir. An
// IR without channels or samples becomes a one-sample Dirac. Mono IRs used
// in stereo are shared by both channel engines.
func FixNumChannels(ir [][]float32, stereo bool) [][]float32 {
	limit := 1
	if stereo {
		limit = 2
	}

	numChannels := min(len(ir), limit)
	if numChannels == 0 || len(ir[0]) == 0 {
		return [][]float32{{1}}
	}

	numSamples := len(ir[0])
	for ch := 1; ch < numChannels; ch++ {
		numSamples = min(numSamples, len(ir[ch]))
	}

	if numSamples == 0 {
		return [][]float32{{1}}
	}

	out := make([][]float32, numChannels)
	for ch := range out {
		out[ch] = make([]float32, numSamples)
		copy(out[ch], ir[ch])
	}

	return out
}

// TrimImpulseResponse removes the leading and trailing samples that are
// below -80 dB in every channel. An IR that is silent everywhere becomes a
// single zero sample per channel.
func TrimImpulseResponse(ir [][]float32) [][]float32 {
	if len(ir) == 0 {
		return ir
	}

	numSamples := len(ir[0])
	for _, channel := range ir[1:] {
		numSamples = min(numSamples, len(channel))
	}

	offsetBegin := numSamples
	offsetEnd := numSamples

	for _, channel := range ir {
		begin := numSamples
		for i, v := range channel[:numSamples] {
			if math.Abs(float64(v)) >= trimThreshold {
				begin = i
				break
			}
		}

		end := numSamples
		for i := numSamples - 1; i >= 0; i-- {
			if math.Abs(float64(channel[i])) >= trimThreshold {
				end = numSamples - 1 - i
				break
			}
		}

		offsetBegin = min(offsetBegin, begin)
		offsetEnd = min(offsetEnd, end)
	}

	out := make([][]float32, len(ir))

	if offsetBegin == numSamples {
		for ch := range out {
			out[ch] = make([]float32, 1)
		}

		return out
	}

	newLength := max(1, numSamples-offsetBegin-offsetEnd)

	for ch, channel := range ir {
		out[ch] = make([]float32, newLength)
		copy(out[ch], channel[offsetBegin:])
	}

	return out
}

// NormaliseImpulseResponse scales ir in place so that the channel with the
// most energy has a sum of squares of 0.125^2. Near-silent IRs are left
// unchanged. It returns the applied factor.
func NormaliseImpulseResponse(ir [][]float32) float32 {
	var maxEnergy float64

	scratch := make([]float64, 0)

	for _, channel := range ir {
		scratch = widen(scratch, channel)
		maxEnergy = max(maxEnergy, vecmath.DotProduct(scratch, scratch))
	}

	factor := normalisationFactor(maxEnergy)
	if factor != 1 {
		applyGain(ir, factor)
	}

	return factor
}

func normalisationFactor(sumSquared float64) float32 {
	if sumSquared < normaliseFloor {
		return 1
	}

	return float32(normaliseTarget / math.Sqrt(sumSquared))
}

// ResampleImpulseResponse converts ir from srcRate to dstRate. Matching
// rates return ir unchanged. Every output channel has
// round(max(1, n/(srcRate/dstRate))) samples.
func ResampleImpulseResponse(ir [][]float32, srcRate, dstRate float64, r Resampler) ([][]float32, error) {
	if !validRate(srcRate) || !validRate(dstRate) {
		return nil, fmt.Errorf("%w: %v -> %v", ErrInvalidSampleRate, srcRate, dstRate)
	}

	if approximatelyEqual(srcRate, dstRate) || len(ir) == 0 {
		return ir, nil
	}

	if r == nil {
		return nil, errors.New("no resampler configured")
	}

	out, err := r.ResampleMultiChannel(ir, srcRate, dstRate)
	if err != nil {
		return nil, fmt.Errorf("failed to resample IR from %v Hz to %v Hz: %w", srcRate, dstRate, err)
	}

	want := ResampledLength(len(ir[0]), srcRate, dstRate)
	for ch := range out {
		out[ch] = fitLength(out[ch], want)
	}

	return out, nil
}

// ResampledLength returns round(max(1, n/(srcRate/dstRate))).
func ResampledLength(n int, srcRate, dstRate float64) int {
	factorReading := srcRate / dstRate
	return int(math.Round(max(1, float64(n)/factorReading)))
}

// PrepareImpulseResponse turns raw IR data into the buffer engines are
// built from, at sampleRate. Order: channel selection, trim, resample,
// then normalisation or resampling gain compensation. ir.Samples is never
// modified.
func PrepareImpulseResponse(ir ImpulseResponse, s IRSettings, sampleRate float64, r Resampler) ([][]float32, error) {
	return conformImpulseResponse(selectImpulseResponse(ir.Samples, s), ir.SampleRate, sampleRate, s.Normalise, r)
}

// selectImpulseResponse applies the rate-independent steps. The result is
// always a fresh copy.
func selectImpulseResponse(samples [][]float32, s IRSettings) [][]float32 {
	out := FixNumChannels(samples, s.Stereo)
	if s.Trim {
		out = TrimImpulseResponse(out)
	}

	return out
}

// conformImpulseResponse applies the rate-dependent steps to a copy of ir.
func conformImpulseResponse(ir [][]float32, srcRate, dstRate float64, normalise bool, r Resampler) ([][]float32, error) {
	out, err := ResampleImpulseResponse(ir, srcRate, dstRate, r)
	if err != nil {
		return nil, err
	}

	if approximatelyEqual(srcRate, dstRate) {
		out = cloneChannels(out)
	}

	if normalise {
		NormaliseImpulseResponse(out)
	} else if gain := float32(srcRate / dstRate); gain != 1 {
		applyGain(out, gain)
	}

	return out, nil
}

func cloneChannels(ir [][]float32) [][]float32 {
	out := make([][]float32, len(ir))
	for ch, channel := range ir {
		out[ch] = append([]float32(nil), channel...)
	}

	return out
}

func applyGain(ir [][]float32, gain float32) {
	for _, channel := range ir {
		for i := range channel {
			channel[i] *= gain
		}
	}
}

func fitLength(x []float32, n int) []float32 {
	if len(x) >= n {
		return x[:n]
	}

	out := make([]float32, n)
	copy(out, x)

	return out
}

func widen(dst []float64, src []float32) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}

	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = float64(v)
	}

	return dst
}

func validRate(rate float64) bool {
	return rate > 0 && !math.IsNaN(rate) && !math.IsInf(rate, 0)
}

func approximatelyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*max(math.Abs(a), math.Abs(b))
}
