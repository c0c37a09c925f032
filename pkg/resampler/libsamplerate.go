//go:build libsamplerate

package resampler

import (
	"fmt"

	"github.com/dh1tw/gosamplerate"
)

// NameLibsamplerate selects the libsamplerate back-end. It is only
// available in binaries built with the libsamplerate tag.
const NameLibsamplerate = "libsamplerate"

func init() {
	Register(NameLibsamplerate, func() Resampler { return NewLibsamplerate(gosamplerate.SRC_SINC_BEST_QUALITY) })
}

// Libsamplerate converts sample rates through libsamplerate (cgo).
type Libsamplerate struct {
	converter int
}

// NewLibsamplerate creates a back-end using a libsamplerate converter
// type such as gosamplerate.SRC_SINC_BEST_QUALITY.
func NewLibsamplerate(converterType int) *Libsamplerate {
	return &Libsamplerate{converter: converterType}
}

// Resample converts one channel.
func (l *Libsamplerate) Resample(data []float32, srcRate, dstRate float64) ([]float32, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return []float32{}, nil
	}

	if srcRate == dstRate {
		return append([]float32(nil), data...), nil
	}

	ratio := dstRate / srcRate
	if !gosamplerate.IsValidRatio(ratio) {
		return nil, fmt.Errorf("%w: ratio %v out of range", ErrInvalidRate, ratio)
	}

	out, err := gosamplerate.Simple(data, ratio, 1, l.converter)
	if err != nil {
		return nil, fmt.Errorf("libsamplerate: %w", err)
	}

	return fit(out, OutputLength(len(data), srcRate, dstRate)), nil
}

// ResampleMultiChannel converts every channel of data.
func (l *Libsamplerate) ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	return resampleChannels(l, data, srcRate, dstRate)
}

// fit returns x truncated or zero padded to n samples.
func fit(x []float32, n int) []float32 {
	if len(x) == n {
		return x
	}

	out := make([]float32, n)
	copy(out, x)

	return out
}
