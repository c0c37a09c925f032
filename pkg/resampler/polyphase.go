package resampler

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Polyphase converts sample rates with the rational polyphase FIR from
// algo-dsp. The rate ratio is approximated by a fraction; the group delay
// of the prototype filter is removed so that the output is time aligned
// with the input.
type Polyphase struct {
	opts []resample.Option
}

// NewPolyphase creates a polyphase resampler. Without options the
// balanced quality profile is used.
func NewPolyphase(opts ...resample.Option) *Polyphase {
	return &Polyphase{opts: opts}
}

// Resample converts one channel.
func (p *Polyphase) Resample(data []float32, srcRate, dstRate float64) ([]float32, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return []float32{}, nil
	}

	if srcRate == dstRate {
		return append([]float32(nil), data...), nil
	}

	r, err := resample.NewForRates(srcRate, dstRate, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to design polyphase filter: %w", err)
	}

	up, down := r.Ratio()
	taps := len(r.Prototype())

	// Group delay of the prototype in output samples.
	delay := int(math.Round(float64(taps-1) / (2 * float64(down))))

	// Zero padding flushes the filter so the tail of the input is emitted.
	padding := taps/up + 1

	in := make([]float64, len(data)+padding)
	for i, v := range data {
		in[i] = float64(v)
	}

	filtered := r.Process(in)
	want := OutputLength(len(data), srcRate, dstRate)

	out := make([]float32, want)
	for i := range out {
		if k := i + delay; k < len(filtered) {
			out[i] = float32(filtered[k])
		}
	}

	return out, nil
}

// ResampleMultiChannel converts every channel of data.
func (p *Polyphase) ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	return resampleChannels(p, data, srcRate, dstRate)
}
