package fft

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/cwbudde/algo-vecmath/cpu"
)

func naiveDFT(x []float32) []complex128 {
	n := len(x)
	out := make([]complex128, n/2+1)

	for k := range out {
		var sum complex128
		for t, v := range x {
			angle := -2 * math.Pi * float64(k*t) / float64(n)
			sum += complex(float64(v), 0) * cmplx.Exp(complex(0, angle))
		}

		out[k] = sum
	}

	return out
}

func testSignal(n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(math.Sin(float64(i)*0.37) + 0.25*math.Cos(float64(i)*1.3))
	}

	return x
}

func TestProvidersMatchDirectDFT(t *testing.T) {
	t.Parallel()

	providers := []Provider{AlgoFFTProvider(), GonumProvider(), GoDSPProvider()}
	sizes := []int{8, 64, 512}

	for _, p := range providers {
		for _, size := range sizes {
			t.Run(p.Name, func(t *testing.T) {
				t.Parallel()

				tr, err := p.New(size)
				if err != nil {
					t.Fatalf("New(%d): %v", size, err)
				}

				if tr.Size() != size {
					t.Fatalf("Size() = %d, want %d", tr.Size(), size)
				}

				x := testSignal(size)
				want := naiveDFT(x)

				got := make([]complex64, SpectrumLen(size))
				if err := tr.Forward(got, x); err != nil {
					t.Fatalf("Forward: %v", err)
				}

				tol := 1e-3 * float64(size)
				for k := range want {
					if cmplx.Abs(complex128(got[k])-want[k]) > tol {
						t.Fatalf("bin %d: got %v, want %v", k, got[k], want[k])
					}
				}

				back := make([]float32, size)
				if err := tr.Inverse(back, got); err != nil {
					t.Fatalf("Inverse: %v", err)
				}

				for i := range x {
					if math.Abs(float64(back[i]-x[i])) > 1e-4 {
						t.Fatalf("round trip sample %d: got %f, want %f", i, back[i], x[i])
					}
				}
			})
		}
	}
}

func TestProvidersRejectInvalidSize(t *testing.T) {
	t.Parallel()

	for _, p := range Default().List() {
		for _, size := range []int{0, 1, 3, 100} {
			if _, err := p.New(size); !errors.Is(err, ErrInvalidSize) {
				t.Errorf("%s.New(%d): expected ErrInvalidSize, got %v", p.Name, size, err)
			}
		}
	}
}

func TestTransformLengthMismatch(t *testing.T) {
	t.Parallel()

	tr, err := AlgoFFTProvider().New(16)
	if err != nil {
		t.Fatal(err)
	}

	err = tr.Forward(make([]complex64, 4), make([]float32, 16))
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestRegistryLookupPrefersHigherPriority(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		Provider{Name: "generic", SIMDLevel: cpu.SIMDNone, Priority: 0, Realtime: true, New: newGonum},
		Provider{Name: "sse2", SIMDLevel: cpu.SIMDSSE2, Priority: 10, Realtime: true, New: newGonum},
		Provider{Name: "avx2", SIMDLevel: cpu.SIMDAVX2, Priority: 20, Realtime: true, New: newGonum},
	)

	tests := []struct {
		name     string
		features cpu.Features
		want     string
	}{
		{"avx2", cpu.Features{HasSSE2: true, HasAVX2: true}, "avx2"},
		{"sse2", cpu.Features{HasSSE2: true}, "sse2"},
		{"none", cpu.Features{}, "generic"},
		{"forced-generic", cpu.Features{HasSSE2: true, HasAVX2: true, ForceGeneric: true}, "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := reg.Lookup(tt.features)
			if !ok {
				t.Fatal("Lookup returned no provider")
			}

			if p.Name != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, p.Name)
			}
		})
	}
}

func TestRegistrySkipsNonRealtime(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		Provider{Name: "reference", Priority: 100, Realtime: false, New: newGoDSP},
		Provider{Name: "fast", Priority: 1, Realtime: true, New: newAlgoFFT},
	)

	p, ok := reg.Lookup(cpu.Features{})
	if !ok || p.Name != "fast" {
		t.Fatalf("expected fast, got %+v (ok=%v)", p.Name, ok)
	}

	list := reg.List()
	if len(list) != 2 || list[0].Name != "reference" {
		t.Fatalf("List not sorted by priority: %+v", list)
	}
}

func TestRegistryRegisterReplacesByName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(AlgoFFTProvider())
	reg.Register(Provider{Name: NameAlgoFFT, Priority: 99, Realtime: true, New: newGonum})

	if n := len(reg.List()); n != 1 {
		t.Fatalf("expected 1 provider, got %d", n)
	}

	p, _ := reg.ByName(NameAlgoFFT)
	if p.Priority != 99 {
		t.Fatalf("expected replaced priority 99, got %d", p.Priority)
	}
}

func TestRegistryEmpty(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry().Factory(cpu.Features{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestPlatformFactoryUsesDetectedFeatures(t *testing.T) {
	cpu.SetForcedFeatures(cpu.Features{ForceGeneric: true})
	defer cpu.ResetDetection()

	f := PlatformFactory()

	tr, err := f(32)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	if _, ok := tr.(*algoTransform); !ok {
		t.Fatalf("expected algo-fft transform, got %T", tr)
	}
}

func TestNewFactory(t *testing.T) {
	t.Parallel()

	for _, name := range []string{NameAlgoFFT, NameGonum, NameGoDSP} {
		if _, err := NewFactory(name); err != nil {
			t.Errorf("NewFactory(%q): %v", name, err)
		}
	}

	if _, err := NewFactory("fftw"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRealtimeProvidersDoNotAllocate(t *testing.T) {
	for _, p := range []Provider{AlgoFFTProvider(), GonumProvider()} {
		tr, err := p.New(256)
		if err != nil {
			t.Fatal(err)
		}

		x := testSignal(256)
		spec := make([]complex64, SpectrumLen(256))
		back := make([]float32, 256)

		allocs := testing.AllocsPerRun(20, func() {
			_ = tr.Forward(spec, x)
			_ = tr.Inverse(back, spec)
		})

		if allocs != 0 {
			t.Errorf("%s: %v allocations per run", p.Name, allocs)
		}
	}
}
