// Package fft provides the real-input FFT adapter used by the convolution
// engines, together with a registry of capability-checked providers.
//
// A Transform of size N maps N real samples to the N/2+1 non-redundant bins
// of their spectrum and back. Inverse transforms are normalised (scaled by
// 1/N) so that Inverse(Forward(x)) == x for every provider.
//
// Providers are selected explicitly: callers obtain a Factory, either from
// PlatformFactory, NewFactory or a Registry, and hand it to the engines that
// need transforms. There is no hidden global lookup on the processing path.
package fft

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrInvalidSize      = errors.New("fft: size must be a power of two >= 2")
	ErrLengthMismatch   = errors.New("fft: buffer length mismatch")
	ErrUnknownProvider  = errors.New("fft: unknown provider")
	ErrNoProvider       = errors.New("fft: no compatible provider")
	ErrProviderNotReady = errors.New("fft: provider has no constructor")
)

// Transform is a real-input FFT of a fixed size.
//
// Forward reads Size() samples from src and writes Size()/2+1 bins to dst.
// Inverse reads Size()/2+1 bins from src and writes Size() samples to dst,
// scaled by 1/Size(). Implementations are not safe for concurrent use.
type Transform interface {
	Size() int
	Forward(dst []complex64, src []float32) error
	Inverse(dst []float32, src []complex64) error
}

// Factory creates a Transform of the given size.
type Factory func(size int) (Transform, error)

// SpectrumLen returns the number of bins a Transform of size n produces.
func SpectrumLen(n int) int {
	return n/2 + 1
}

// IsPowerOfTwo reports whether n is a power of two >= 2.
func IsPowerOfTwo(n int) bool {
	return n >= 2 && n&(n-1) == 0
}

func validateSize(n int) error {
	if !IsPowerOfTwo(n) {
		return fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}

	return nil
}

func checkLengths(size int, spectrum []complex64, samples []float32) error {
	if len(samples) < size || len(spectrum) < SpectrumLen(size) {
		return fmt.Errorf("%w: size=%d samples=%d bins=%d",
			ErrLengthMismatch, size, len(samples), len(spectrum))
	}

	return nil
}
