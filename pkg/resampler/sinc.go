package resampler

import "math"

const (
	defaultSincLobes = 16
	minSincLobes     = 4
	maxSincLobes     = 64
)

// SincOption configures a Sinc resampler.
type SincOption func(*Sinc)

// WithLobes sets the number of sinc lobes on each side of the kernel,
// clamped to [4, 64]. More lobes give a sharper filter at a higher cost.
func WithLobes(n int) SincOption {
	return func(s *Sinc) {
		s.lobes = max(minSincLobes, min(maxSincLobes, n))
	}
}

// Sinc converts sample rates with a Blackman windowed sinc kernel. When
// downsampling the kernel is widened to the output Nyquist frequency.
type Sinc struct {
	lobes int
}

// NewSinc creates a windowed sinc resampler with 16 lobes unless
// configured otherwise.
func NewSinc(opts ...SincOption) *Sinc {
	s := &Sinc{lobes: defaultSincLobes}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Lobes returns the kernel half width in lobes.
func (s *Sinc) Lobes() int { return s.lobes }

// Resample converts one channel.
func (s *Sinc) Resample(data []float32, srcRate, dstRate float64) ([]float32, error) {
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
	inputLen := len(data)
	output := make([]float32, OutputLength(inputLen, srcRate, dstRate))

	cutoff := min(1, ratio)
	radius := float64(s.lobes) / cutoff

	for i := range output {
		pos := float64(i) / ratio

		start := max(0, int(math.Floor(pos-radius)))
		end := min(inputLen-1, int(math.Ceil(pos+radius)))

		var sum, weightSum float64

		for j := start; j <= end; j++ {
			d := pos - float64(j)
			weight := sinc(d*cutoff) * blackman(d/radius)

			sum += float64(data[j]) * weight
			weightSum += weight
		}

		if weightSum > 0 {
			output[i] = float32(sum / weightSum)
		}
	}

	return output, nil
}

// ResampleMultiChannel converts every channel of data.
func (s *Sinc) ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	return resampleChannels(s, data, srcRate, dstRate)
}

func sinc(x float64) float64 {
	if math.Abs(x) < 1e-10 {
		return 1
	}

	pix := math.Pi * x

	return math.Sin(pix) / pix
}

// blackman evaluates the Blackman window on [-1, 1]; it is 0 outside.
func blackman(x float64) float64 {
	if x < -1 || x > 1 {
		return 0
	}

	t := (x + 1) / 2

	return 0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t)
}
