package testutil

import (
	"testing"
)

func TestDeterministicNoise(t *testing.T) {
	a := DeterministicNoise(42, 1.0, 64)
	b := DeterministicNoise(42, 1.0, 64)

	if len(a) != 64 {
		t.Fatalf("len = %d, want 64", len(a))
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("noise not deterministic at index %d", i)
		}

		if a[i] < -1 || a[i] > 1 {
			t.Fatalf("a[%d] = %v out of range", i, a[i])
		}
	}
}

func TestImpulseOutOfBounds(t *testing.T) {
	imp := Impulse(4, 10)
	for i, v := range imp {
		if v != 0 {
			t.Fatalf("imp[%d] = %v, want all zeros for out-of-bounds pos", i, v)
		}
	}
}

func TestDirectConvolve(t *testing.T) {
	got := DirectConvolve([]float32{1, 2, 3}, []float32{0, 1, 0.5})
	want := []float64{0, 1, 2.5, 4, 1.5}

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSplit(t *testing.T) {
	blocks := Split(Ramp(10), 3, 1)

	wantLens := []int{3, 1, 3, 1, 2}
	if len(blocks) != len(wantLens) {
		t.Fatalf("got %d blocks, want %d", len(blocks), len(wantLens))
	}

	for i, b := range blocks {
		if len(b) != wantLens[i] {
			t.Fatalf("block %d: len %d, want %d", i, len(b), wantLens[i])
		}
	}

	if blocks[4][1] != 10 {
		t.Fatalf("last sample = %v, want 10", blocks[4][1])
	}
}

func TestMaxAbsDiff(t *testing.T) {
	d, err := MaxAbsDiff([]float32{1, 2, 3}, []float32{1, 2.5, 2})
	if err != nil {
		t.Fatal(err)
	}

	if d != 1 {
		t.Fatalf("MaxAbsDiff = %v, want 1", d)
	}

	if _, err := MaxAbsDiff([]float32{1}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
}
