// Package testutil holds deterministic signals and tolerance assertions
// shared by the package tests.
package testutil

import (
	"math"
	"math/rand"
)

// DeterministicNoise generates white noise with a fixed seed for reproducibility.
func DeterministicNoise(seed int64, amplitude float32, length int) []float32 {
	out := make([]float32, length)
	rng := rand.New(rand.NewSource(seed))

	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * amplitude
	}

	return out
}

// DeterministicSine generates a sine wave starting at phase 0.
func DeterministicSine(freqHz, sampleRate float64, amplitude float32, length int) []float32 {
	out := make([]float32, length)
	step := 2 * math.Pi * freqHz / sampleRate

	for i := range out {
		out[i] = amplitude * float32(math.Sin(step*float64(i)))
	}

	return out
}

// Impulse generates a unit impulse at the given position.
func Impulse(length, pos int) []float32 {
	out := make([]float32, length)
	if pos >= 0 && pos < length {
		out[pos] = 1
	}

	return out
}

// Ramp returns 1, 2, ..., length.
func Ramp(length int) []float32 {
	out := make([]float32, length)
	for i := range out {
		out[i] = float32(i + 1)
	}

	return out
}

// DecayingNoise returns noise shaped by an exponential decay, a cheap
// stand-in for a measured room response.
func DecayingNoise(seed int64, length int, decay float64) []float32 {
	out := DeterministicNoise(seed, 1, length)
	for i := range out {
		out[i] *= float32(math.Exp(-decay * float64(i) / float64(length)))
	}

	return out
}

// DirectConvolve computes the full linear convolution of x and h in float64.
func DirectConvolve(x, h []float32) []float64 {
	if len(x) == 0 || len(h) == 0 {
		return nil
	}

	out := make([]float64, len(x)+len(h)-1)
	for i, xv := range x {
		if xv == 0 {
			continue
		}

		for j, hv := range h {
			out[i+j] += float64(xv) * float64(hv)
		}
	}

	return out
}

// Split returns the blocks of x with the given sizes, cycling through sizes
// until x is exhausted.
func Split(x []float32, sizes ...int) [][]float32 {
	var blocks [][]float32

	for pos, k := 0, 0; pos < len(x); k++ {
		n := min(sizes[k%len(sizes)], len(x)-pos)
		blocks = append(blocks, x[pos:pos+n])
		pos += n
	}

	return blocks
}
