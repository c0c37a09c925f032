// Package resampler converts impulse responses between sample rates.
//
// Every back-end produces round(max(1, n*dstRate/srcRate)) samples per
// channel and preserves the amplitude of in-band content. Back-ends are
// offline converters: they allocate and are not meant for the audio thread.
package resampler

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

// Errors.
var (
	ErrInvalidRate    = errors.New("resampler: invalid sample rate")
	ErrUnknownBackend = errors.New("resampler: unknown back-end")
)

// Back-end names accepted by ByName.
const (
	NameSinc      = "sinc"
	NamePolyphase = "polyphase"
)

// Resampler converts audio from srcRate to dstRate.
type Resampler interface {
	Resample(data []float32, srcRate, dstRate float64) ([]float32, error)
	ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func() Resampler{
		NameSinc:      func() Resampler { return NewSinc() },
		NamePolyphase: func() Resampler { return NewPolyphase() },
	}
)

// Register makes a back-end available to ByName. Registering an existing
// name replaces it.
func Register(name string, newFn func() Resampler) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	backends[name] = newFn
}

// ByName creates the back-end registered under name.
func ByName(name string) (Resampler, error) {
	backendsMu.RLock()
	newFn, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	return newFn(), nil
}

// Names lists the registered back-ends in sorted order.
func Names() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Default returns the windowed sinc back-end with default quality.
func Default() Resampler {
	return NewSinc()
}

// OutputLength returns the number of samples produced for inputLen input
// samples: round(max(1, inputLen*dstRate/srcRate)), or 0 for empty input.
func OutputLength(inputLen int, srcRate, dstRate float64) int {
	if inputLen <= 0 {
		return 0
	}

	return int(math.Round(max(1, float64(inputLen)*dstRate/srcRate)))
}

func checkRates(srcRate, dstRate float64) error {
	if !(srcRate > 0) || !(dstRate > 0) || math.IsInf(srcRate, 0) || math.IsInf(dstRate, 0) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidRate, srcRate, dstRate)
	}

	return nil
}

// resampleChannels applies a single-channel conversion to every channel.
func resampleChannels(r Resampler, data [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	result := make([][]float32, len(data))

	for ch := range data {
		resampled, err := r.Resample(data[ch], srcRate, dstRate)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}

		result[ch] = resampled
	}

	return result, nil
}
