package fft

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath/cpu"
	dspfft "github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Provider names.
const (
	NameAlgoFFT = "algofft"
	NameGonum   = "gonum"
	NameGoDSP   = "go-dsp"
)

// AlgoFFTProvider returns the algo-fft provider. algo-fft dispatches to its
// own SIMD kernels internally, so it has no CPU requirement here.
func AlgoFFTProvider() Provider {
	return Provider{
		Name:      NameAlgoFFT,
		Priority:  20,
		SIMDLevel: cpu.SIMDNone,
		Realtime:  true,
		New:       newAlgoFFT,
	}
}

// GonumProvider returns the gonum fourier provider.
func GonumProvider() Provider {
	return Provider{
		Name:      NameGonum,
		Priority:  10,
		SIMDLevel: cpu.SIMDNone,
		Realtime:  true,
		New:       newGonum,
	}
}

// GoDSPProvider returns the go-dsp provider. Its transforms allocate on
// every call; it is intended as a reference for tests and offline tools.
func GoDSPProvider() Provider {
	return Provider{
		Name:      NameGoDSP,
		Priority:  0,
		SIMDLevel: cpu.SIMDNone,
		Realtime:  false,
		New:       newGoDSP,
	}
}

type algoTransform struct {
	size int
	plan *algofft.PlanRealT[float32, complex64]
}

func newAlgoFFT(size int) (Transform, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}

	plan, err := algofft.NewPlanReal32(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create real FFT plan: %w", err)
	}

	return &algoTransform{size: size, plan: plan}, nil
}

func (t *algoTransform) Size() int { return t.size }

func (t *algoTransform) Forward(dst []complex64, src []float32) error {
	if err := checkLengths(t.size, dst, src); err != nil {
		return err
	}

	return t.plan.Forward(dst[:SpectrumLen(t.size)], src[:t.size])
}

// Inverse relies on algo-fft scaling the real inverse by 1/N.
func (t *algoTransform) Inverse(dst []float32, src []complex64) error {
	if err := checkLengths(t.size, src, dst); err != nil {
		return err
	}

	return t.plan.Inverse(dst[:t.size], src[:SpectrumLen(t.size)])
}

type gonumTransform struct {
	size  int
	fft   *fourier.FFT
	seq   []float64
	coeff []complex128
}

func newGonum(size int) (Transform, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}

	return &gonumTransform{
		size:  size,
		fft:   fourier.NewFFT(size),
		seq:   make([]float64, size),
		coeff: make([]complex128, SpectrumLen(size)),
	}, nil
}

func (t *gonumTransform) Size() int { return t.size }

func (t *gonumTransform) Forward(dst []complex64, src []float32) error {
	if err := checkLengths(t.size, dst, src); err != nil {
		return err
	}

	for i := range t.seq {
		t.seq[i] = float64(src[i])
	}

	t.fft.Coefficients(t.coeff, t.seq)

	for i, c := range t.coeff {
		dst[i] = complex64(c)
	}

	return nil
}

func (t *gonumTransform) Inverse(dst []float32, src []complex64) error {
	if err := checkLengths(t.size, src, dst); err != nil {
		return err
	}

	for i := range t.coeff {
		t.coeff[i] = complex128(src[i])
	}

	t.fft.Sequence(t.seq, t.coeff)

	// gonum does not normalise the inverse.
	scale := 1 / float64(t.size)
	for i, v := range t.seq {
		dst[i] = float32(v * scale)
	}

	return nil
}

type goDSPTransform struct {
	size int
}

func newGoDSP(size int) (Transform, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}

	return &goDSPTransform{size: size}, nil
}

func (t *goDSPTransform) Size() int { return t.size }

func (t *goDSPTransform) Forward(dst []complex64, src []float32) error {
	if err := checkLengths(t.size, dst, src); err != nil {
		return err
	}

	in := make([]float64, t.size)
	for i := range in {
		in[i] = float64(src[i])
	}

	out := dspfft.FFTReal(in)
	for i := range SpectrumLen(t.size) {
		dst[i] = complex64(out[i])
	}

	return nil
}

func (t *goDSPTransform) Inverse(dst []float32, src []complex64) error {
	if err := checkLengths(t.size, src, dst); err != nil {
		return err
	}

	half := t.size / 2
	full := make([]complex128, t.size)

	for i := 0; i <= half; i++ {
		full[i] = complex128(src[i])
	}

	// Hermitian mirror for the upper half.
	for i := 1; i < half; i++ {
		c := full[i]
		full[t.size-i] = complex(real(c), -imag(c))
	}

	out := dspfft.IFFT(full)
	for i := range dst[:t.size] {
		dst[i] = float32(real(out[i]))
	}

	return nil
}
