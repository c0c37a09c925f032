package dsp

import (
	"errors"
	"math"
	"math/rand"
	"strconv"
	"testing"

	"irconv/internal/testutil"
	"irconv/pkg/fft"
)

// runEngine feeds x to e in chunks cycling through sizes.
func runEngine(e *ConvolutionEngine, x []float32, addedLatency bool, sizes ...int) []float32 {
	out := make([]float32, len(x))
	pos := 0

	for _, block := range testutil.Split(x, sizes...) {
		dst := out[pos : pos+len(block)]
		if addedLatency {
			e.ProcessSamplesWithAddedLatency(block, dst)
		} else {
			e.ProcessSamples(block, dst)
		}

		pos += len(block)
	}

	return out
}

// delayedConvolution returns the first len(x) samples of x*h delayed by
// delay samples.
func delayedConvolution(x, h []float32, delay int) []float64 {
	full := testutil.DirectConvolve(x, h)
	want := make([]float64, len(x))

	for i := delay; i < len(want); i++ {
		if i-delay < len(full) {
			want[i] = full[i-delay]
		}
	}

	return want
}

func TestPackedLayoutRoundTrip(t *testing.T) {
	t.Parallel()

	const n = 16

	spectrum := make([]complex64, n/2+1)
	for i := range spectrum {
		spectrum[i] = complex(float32(i+1), float32(2*i-3))
	}

	packed := make([]float32, n+1)
	prepareForConvolution(packed, spectrum)

	if packed[n/2] != 0 {
		t.Fatalf("packed[N/2] = %v, want 0", packed[n/2])
	}

	if packed[n] != real(spectrum[n/2]) {
		t.Fatalf("packed[N] = %v, want Nyquist real part %v", packed[n], real(spectrum[n/2]))
	}

	got := make([]complex64, n/2+1)
	updateSymmetricFrequencyDomainData(got, packed)

	for i := range got {
		want := spectrum[i]
		if i == 0 || i == n/2 {
			want = complex(real(want), 0)
		}

		if got[i] != want {
			t.Fatalf("bin %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestPackedMultiplyAccumulate(t *testing.T) {
	t.Parallel()

	const n = 32

	rng := rand.New(rand.NewSource(7))
	randomSpectrum := func() []complex64 {
		s := make([]complex64, n/2+1)
		for i := range s {
			s[i] = complex(rng.Float32()*2-1, rng.Float32()*2-1)
		}

		s[0] = complex(real(s[0]), 0)
		s[n/2] = complex(real(s[n/2]), 0)

		return s
	}

	a, b, acc := randomSpectrum(), randomSpectrum(), randomSpectrum()
	pa, pb, pacc := make([]float32, n+1), make([]float32, n+1), make([]float32, n+1)
	prepareForConvolution(pa, a)
	prepareForConvolution(pb, b)
	prepareForConvolution(pacc, acc)

	convolutionProcessingAndAccumulate(pa, pb, pacc)

	got := make([]complex64, n/2+1)
	updateSymmetricFrequencyDomainData(got, pacc)

	for i := range got {
		want := complex128(acc[i]) + complex128(a[i])*complex128(b[i])

		if d := math.Hypot(float64(real(got[i]))-real(want), float64(imag(got[i]))-imag(want)); d > 1e-5 {
			t.Fatalf("bin %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want int }{
		{-4, 1}, {0, 1}, {1, 1}, {2, 2}, {3, 4}, {64, 64}, {65, 128}, {1000, 1024}, {4096, 4096},
	}

	for _, tt := range tests {
		if got := nextPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEngineSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		maxBlock         int
		irLen            int
		blockSize        int
		fftSize          int
		numSegments      int
		numInputSegments int
	}{
		{"tiny block", 1, 50, 1, 4, 17, 51},
		{"small block", 64, 1000, 64, 256, 6, 18},
		{"rounded up", 100, 384, 128, 512, 1, 3},
		{"one sample over", 100, 385, 128, 512, 2, 6},
		{"empty impulse", 200, 0, 256, 512, 1, 1},
		{"large block", 1024, 5000, 1024, 2048, 5, 5},
		{"exact multiple", 512, 2048, 512, 1024, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := NewConvolutionEngine(make([]float32, tt.irLen), tt.maxBlock, fft.PlatformFactory())
			if err != nil {
				t.Fatalf("NewConvolutionEngine: %v", err)
			}

			if !e.IsReady() {
				t.Fatal("engine not ready")
			}

			if e.BlockSize() != tt.blockSize || e.FFTSize() != tt.fftSize {
				t.Errorf("sizes = (%d, %d), want (%d, %d)", e.BlockSize(), e.FFTSize(), tt.blockSize, tt.fftSize)
			}

			if e.NumSegments() != tt.numSegments || e.NumInputSegments() != tt.numInputSegments {
				t.Errorf("segments = (%d, %d), want (%d, %d)",
					e.NumSegments(), e.NumInputSegments(), tt.numSegments, tt.numInputSegments)
			}
		})
	}
}

func TestEngineErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewConvolutionEngine(nil, 0, fft.PlatformFactory()); !errors.Is(err, ErrInvalidBlockSize) {
		t.Errorf("block size 0: err = %v, want ErrInvalidBlockSize", err)
	}

	if _, err := NewConvolutionEngine(nil, 64, nil); !errors.Is(err, ErrNoTransform) {
		t.Errorf("nil factory: err = %v, want ErrNoTransform", err)
	}

	errBroken := errors.New("broken")
	broken := func(int) (fft.Transform, error) { return nil, errBroken }

	if _, err := NewConvolutionEngine(nil, 64, broken); !errors.Is(err, errBroken) {
		t.Errorf("failing factory: err = %v, want wrapped %v", err, errBroken)
	}

	var e ConvolutionEngine
	if err := e.CopyStateFrom(nil); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("CopyStateFrom(nil) = %v, want ErrEngineNotReady", err)
	}

	if err := e.CopyStateFrom(&ConvolutionEngine{}); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("CopyStateFrom(unready) = %v, want ErrEngineNotReady", err)
	}
}

func TestEngineNotReadyIsNoop(t *testing.T) {
	t.Parallel()

	var e ConvolutionEngine

	out := []float32{9, 9, 9}
	e.ProcessSamples([]float32{1, 2, 3}, out)
	e.ProcessSamplesWithAddedLatency([]float32{1, 2, 3}, out)

	for i, v := range out {
		if v != 9 {
			t.Fatalf("out[%d] = %v, want untouched 9", i, v)
		}
	}
}

func TestEngineEmptyImpulseIsDirac(t *testing.T) {
	t.Parallel()

	e, err := NewConvolutionEngine(nil, 128, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	x := testutil.DeterministicNoise(1, 0.5, 1000)
	got := runEngine(e, x, false, 128)

	testutil.RequireSliceNearlyEqual(t, got, testutil.Float64s(x), 1e-5)
}

func TestEngineDiracInputReproducesImpulse(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(3, 777, 4)

	e, err := NewConvolutionEngine(h, 64, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	got := runEngine(e, testutil.Impulse(1024, 0), false, 64)
	want := make([]float64, 1024)

	for i, v := range h {
		want[i] = float64(v)
	}

	testutil.RequireSliceNearlyEqual(t, got, want, 1e-5)
}

func TestEngineMatchesDirectConvolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		maxBlock int
		irLen    int
		sizes    []int
	}{
		{"single sample blocks", 1, 50, []int{1}},
		{"odd max block", 3, 17, []int{3, 1, 2}},
		{"one tap", 512, 1, []int{512}},
		{"small blocks", 64, 1000, []int{64, 13, 1, 50}},
		{"block 100", 100, 385, []int{100, 37}},
		{"block 128", 128, 2000, []int{128}},
		{"block 129", 129, 700, []int{129, 64, 1}},
		{"block 256", 256, 3000, []int{256, 255, 1}},
		{"block 512", 512, 5000, []int{512, 100}},
		{"block 1024", 1024, 2500, []int{1024, 7}},
	}

	for _, tt := range tests {
		for _, addedLatency := range []bool{false, true} {
			name := tt.name
			if addedLatency {
				name += " added latency"
			}

			t.Run(name, func(t *testing.T) {
				t.Parallel()

				h := testutil.DecayingNoise(int64(tt.irLen), tt.irLen, 5)
				x := testutil.DeterministicNoise(int64(tt.maxBlock), 0.5, tt.irLen+8*tt.maxBlock+300)

				e, err := NewConvolutionEngine(h, tt.maxBlock, fft.PlatformFactory())
				if err != nil {
					t.Fatal(err)
				}

				delay := 0
				if addedLatency {
					delay = e.BlockSize()
				}

				got := runEngine(e, x, addedLatency, tt.sizes...)

				testutil.RequireFinite(t, got)
				testutil.RequireSliceNearlyEqual(t, got, delayedConvolution(x, h, delay), 2e-3)
			})
		}
	}
}

func TestEngineChunkSizeInvariance(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(11, 3000, 6)
	x := testutil.DeterministicNoise(12, 0.5, 8000)

	rng := rand.New(rand.NewSource(13))
	random := make([]int, 64)

	for i := range random {
		random[i] = 1 + rng.Intn(256)
	}

	reference := func(addedLatency bool) []float32 {
		e, err := NewConvolutionEngine(h, 256, fft.PlatformFactory())
		if err != nil {
			t.Fatal(err)
		}

		return runEngine(e, x, addedLatency, 256)
	}

	for _, addedLatency := range []bool{false, true} {
		e, err := NewConvolutionEngine(h, 256, fft.PlatformFactory())
		if err != nil {
			t.Fatal(err)
		}

		got := runEngine(e, x, addedLatency, random...)

		diff, err := testutil.MaxAbsDiff(got, reference(addedLatency))
		if err != nil {
			t.Fatal(err)
		}

		if diff > 1e-4 {
			t.Errorf("addedLatency=%v: max diff across chunkings = %g", addedLatency, diff)
		}
	}
}

func TestEngineLinearity(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(21, 1500, 4)
	a := testutil.DeterministicNoise(22, 0.5, 4000)
	b := testutil.DeterministicSine(440, 48000, 0.3, 4000)

	const ka, kb = 0.7, -1.3

	mix := make([]float32, len(a))
	for i := range mix {
		mix[i] = ka*a[i] + kb*b[i]
	}

	process := func(x []float32) []float32 {
		e, err := NewConvolutionEngine(h, 256, fft.PlatformFactory())
		if err != nil {
			t.Fatal(err)
		}

		return runEngine(e, x, false, 256)
	}

	ya, yb, ymix := process(a), process(b), process(mix)
	want := make([]float64, len(ymix))

	for i := range want {
		want[i] = ka*float64(ya[i]) + kb*float64(yb[i])
	}

	testutil.RequireSliceNearlyEqual(t, ymix, want, 2e-3)
}

func TestEngineProvidersAgree(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(31, 2000, 5)
	x := testutil.DeterministicNoise(32, 0.5, 5000)
	want := delayedConvolution(x, h, 0)

	for _, p := range []fft.Provider{fft.AlgoFFTProvider(), fft.GonumProvider(), fft.GoDSPProvider()} {
		t.Run(p.Name, func(t *testing.T) {
			t.Parallel()

			e, err := NewConvolutionEngine(h, 128, p.New)
			if err != nil {
				t.Fatal(err)
			}

			testutil.RequireSliceNearlyEqual(t, runEngine(e, x, false, 128), want, 2e-3)
		})
	}
}

func TestEngineReset(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(41, 900, 3)
	x := testutil.DeterministicNoise(42, 0.5, 2000)

	fresh, err := NewConvolutionEngine(h, 128, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	want := runEngine(fresh, x, false, 128)

	used, err := NewConvolutionEngine(h, 128, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	runEngine(used, testutil.DeterministicNoise(43, 1, 777), false, 100)
	used.Reset()

	got := runEngine(used, x, false, 128)
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("sample %d after Reset = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEngineCopyStateFrom(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(51, 2500, 4)
	x := testutil.DeterministicNoise(52, 0.5, 6000)

	src, err := NewConvolutionEngine(h, 256, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	// A destination with other sizes must be reshaped.
	dst, err := NewConvolutionEngine(nil, 32, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	runEngine(src, x[:1000], false, 256, 77)

	if err := dst.CopyStateFrom(src); err != nil {
		t.Fatalf("CopyStateFrom: %v", err)
	}

	if dst.BlockSize() != src.BlockSize() || dst.FFTSize() != src.FFTSize() ||
		dst.NumSegments() != src.NumSegments() || dst.NumInputSegments() != src.NumInputSegments() {
		t.Fatal("sizes were not copied")
	}

	want := runEngine(src, x[1000:], false, 256)
	got := runEngine(dst, x[1000:], false, 256)

	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	if err := src.CopyStateFrom(src); err != nil {
		t.Errorf("self copy: %v", err)
	}
}

func TestEngineInPlace(t *testing.T) {
	t.Parallel()

	h := testutil.DecayingNoise(61, 600, 3)
	x := testutil.DeterministicNoise(62, 0.5, 3000)

	e, err := NewConvolutionEngine(h, 128, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	buf := append([]float32(nil), x...)
	for _, block := range testutil.Split(buf, 128) {
		e.ProcessSamples(block, block)
	}

	testutil.RequireSliceNearlyEqual(t, buf, delayedConvolution(x, h, 0), 2e-3)
}

func TestEngineDoesNotAllocate(t *testing.T) {
	h := testutil.DecayingNoise(71, 4000, 4)

	e, err := NewConvolutionEngine(h, 256, fft.PlatformFactory())
	if err != nil {
		t.Fatal(err)
	}

	in := testutil.DeterministicNoise(72, 0.5, 256)
	out := make([]float32, 256)

	if allocs := testing.AllocsPerRun(100, func() { e.ProcessSamples(in, out) }); allocs != 0 {
		t.Errorf("ProcessSamples allocated %.1f times per call", allocs)
	}

	if allocs := testing.AllocsPerRun(100, func() { e.ProcessSamplesWithAddedLatency(in[:100], out[:100]) }); allocs != 0 {
		t.Errorf("ProcessSamplesWithAddedLatency allocated %.1f times per call", allocs)
	}
}

func BenchmarkEngine(b *testing.B) {
	for _, size := range []int{64, 256, 1024} {
		h := testutil.DecayingNoise(81, 48000, 6)

		e, err := NewConvolutionEngine(h, size, fft.PlatformFactory())
		if err != nil {
			b.Fatal(err)
		}

		in := testutil.DeterministicNoise(82, 0.5, size)
		out := make([]float32, size)

		b.Run("zero latency/"+strconv.Itoa(size), func(b *testing.B) {
			b.ReportAllocs()

			for b.Loop() {
				e.ProcessSamples(in, out)
			}
		})

		b.Run("added latency/"+strconv.Itoa(size), func(b *testing.B) {
			b.ReportAllocs()

			for b.Loop() {
				e.ProcessSamplesWithAddedLatency(in, out)
			}
		})
	}
}
