package main

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"irconv/dsp"
	"irconv/internal/testutil"
	"irconv/pkg/irfile"
	"irconv/pkg/irformat"
	"irconv/pkg/resampler"
)

const testRate = 48000

// decodeFrames converts float32 LE bytes back to samples.
func decodeFrames(p []byte) []float32 {
	out := make([]float32, len(p)/bytesPerSample)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*bytesPerSample:]))
	}

	return out
}

func writeTestLibrary(t *testing.T, dir string) string {
	t.Helper()

	lib := irformat.NewIRLibrary()
	lib.AddIR(irformat.NewImpulseResponse("Room", testRate, [][]float32{testutil.DecayingNoise(1, 500, 4)}))
	lib.AddIR(irformat.NewImpulseResponse("Hall", testRate, [][]float32{
		testutil.DecayingNoise(2, 2000, 4),
		testutil.DecayingNoise(3, 2000, 4),
	}))

	path := filepath.Join(dir, "irs.irlib")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := irformat.WriteLibrary(f, lib); err != nil {
		f.Close()
		t.Fatal(err)
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return path
}

func testHostConfig() hostConfig {
	return hostConfig{
		settings:  dsp.IRSettings{Stereo: true},
		wet:       0.3,
		dry:       0.7,
		blockSize: 256,
		resampler: resampler.NameSinc,
	}
}

func TestReverbStreamRead(t *testing.T) {
	t.Parallel()

	reverb, err := dsp.NewConvolutionReverb(testRate, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reverb.Close()

	source := [][]float32{testutil.DeterministicNoise(1, 0.5, 700)}

	stream, err := newReverbStream(reverb, source, 128)
	if err != nil {
		t.Fatal(err)
	}

	// A partial frame at the end is not filled.
	p := make([]byte, 1000*2*bytesPerSample+5)

	n, err := stream.Read(p)
	if err != nil {
		t.Fatal(err)
	}

	if n != 1000*2*bytesPerSample {
		t.Fatalf("Read returned %d bytes, want %d", n, 1000*2*bytesPerSample)
	}

	out := decodeFrames(p[:n])
	testutil.RequireFinite(t, out)

	// With the initial Dirac the 0.3/0.7 mix reproduces the looped source
	// on both channels.
	for i := range 1000 {
		want := float64(source[0][i%700])

		for ch := range 2 {
			if got := float64(out[i*2+ch]); math.Abs(got-want) > 1e-4 {
				t.Fatalf("frame %d channel %d = %v, want %v", i, ch, got, want)
			}
		}
	}
}

func TestReverbStreamPause(t *testing.T) {
	t.Parallel()

	reverb, err := dsp.NewConvolutionReverb(testRate, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reverb.Close()

	stream, err := newReverbStream(reverb, clickTrain(testRate, 50*time.Millisecond), 64)
	if err != nil {
		t.Fatal(err)
	}

	p := make([]byte, 512*2*bytesPerSample)

	if _, err := stream.Read(p); err != nil {
		t.Fatal(err)
	}

	stream.SetPaused(true)

	if !stream.Paused() {
		t.Fatal("Paused() = false after SetPaused(true)")
	}

	if _, err := stream.Read(p); err != nil {
		t.Fatal(err)
	}

	for i, v := range decodeFrames(p) {
		if math.Abs(float64(v)) > 1e-6 {
			t.Fatalf("paused sample %d = %v, want silence", i, v)
		}
	}

	// The UIs toggle pause while the audio device reads.
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := range 200 {
			stream.SetPaused(i%2 == 0)
		}
	}()

	for range 20 {
		if _, err := stream.Read(p); err != nil {
			t.Fatal(err)
		}

		testutil.RequireFinite(t, decodeFrames(p))
	}

	<-done

	if stream.Paused() {
		t.Error("Paused() = true after the last SetPaused(false)")
	}
}

func TestNewHostFromLibrary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	input := filepath.Join(dir, "input.wav")
	if err := irfile.WriteWAVFile(input, [][]float32{testutil.Impulse(4000, 0)}, testRate, 24); err != nil {
		t.Fatal(err)
	}

	cfg := testHostConfig()
	cfg.irLibrary = writeTestLibrary(t, dir)
	cfg.irName = "Hall"
	cfg.input = input

	h, err := newHost(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if index, name := h.reverb.CurrentIR(); index != 1 || name != "Hall" {
		t.Errorf("CurrentIR() = %d, %q, want 1, Hall", index, name)
	}

	if size := h.reverb.IRSize(); size != 2000 {
		t.Errorf("IRSize() = %d, want 2000", size)
	}

	if len(h.libraryData) == 0 {
		t.Error("library data not kept")
	}

	list := h.webIRList()
	if len(list) != 2 || list[0].Name != "Room" || list[1].Channels != 2 || list[1].Samples != 2000 {
		t.Errorf("webIRList() = %+v", list)
	}

	// The mono input is played on both channels.
	p := make([]byte, 256*2*bytesPerSample)
	if _, err := h.stream.Read(p); err != nil {
		t.Fatal(err)
	}

	out := decodeFrames(p)
	testutil.RequireFinite(t, out)

	hall := testutil.DecayingNoise(2, 2000, 4)
	if want := 0.7 + 0.3*float64(hall[0]); math.Abs(float64(out[0])-want) > 1e-3 {
		t.Errorf("first frame = %v, want %v", out[0], want)
	}

	// Switching as the web and terminal UIs do.
	name, err := h.reverb.SwitchIR(h.libraryData, 0)
	if err != nil || name != "Room" {
		t.Fatalf("SwitchIR(0) = %q, %v", name, err)
	}
}

func TestNewHostWithoutIR(t *testing.T) {
	t.Parallel()

	h, err := newHost(testHostConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if rate := h.reverb.SampleRate(); rate != defaultSampleRate {
		t.Errorf("SampleRate() = %v, want %v", rate, defaultSampleRate)
	}

	if index, _ := h.reverb.CurrentIR(); index != -1 {
		t.Errorf("CurrentIR() index = %d, want -1", index)
	}

	if size := h.reverb.IRSize(); size != 1 {
		t.Errorf("IRSize() = %d, want 1", size)
	}
}

func TestNewHostErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	library := writeTestLibrary(t, dir)

	tests := []struct {
		name   string
		modify func(*hostConfig)
	}{
		{"block size", func(c *hostConfig) { c.blockSize = 0 }},
		{"resampler", func(c *hostConfig) { c.resampler = "cubic" }},
		{"fft", func(c *hostConfig) { c.fft = "fftw" }},
		{"missing input", func(c *hostConfig) { c.input = filepath.Join(dir, "none.wav") }},
		{"missing library", func(c *hostConfig) { c.irLibrary = filepath.Join(dir, "none.irlib") }},
		{"unknown IR", func(c *hostConfig) {
			c.irLibrary = library
			c.irName = "Cave"
		}},
		{"missing IR file", func(c *hostConfig) { c.irFile = filepath.Join(dir, "none.wav") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testHostConfig()
			tt.modify(&cfg)

			if h, err := newHost(cfg); err == nil {
				h.Close()
				t.Fatal("expected error")
			}
		})
	}
}

func TestClickTrain(t *testing.T) {
	t.Parallel()

	train := clickTrain(testRate, 100*time.Millisecond)
	if len(train) != 1 || len(train[0]) != 4800 {
		t.Fatalf("clickTrain has %d channels, %d frames", len(train), len(train[0]))
	}

	burst := int(0.01*testRate) + 1

	var peak float64
	for i, v := range train[0] {
		peak = max(peak, math.Abs(float64(v)))

		if i >= burst && v != 0 {
			t.Fatalf("sample %d = %v after the burst", i, v)
		}
	}

	if peak == 0 || peak > 0.5 {
		t.Errorf("burst peak = %v", peak)
	}
}

func TestMatchSourceChannels(t *testing.T) {
	t.Parallel()

	mono := [][]float32{{1, 2}}
	if got := matchSourceChannels(mono, 2); len(got) != 2 || got[1][1] != 2 {
		t.Errorf("mono to stereo = %v", got)
	}

	quad := [][]float32{{1}, {2}, {3}, {4}}
	if got := matchSourceChannels(quad, 2); len(got) != 2 || got[1][0] != 2 {
		t.Errorf("quad to stereo = %v", got)
	}
}

func TestPrintIRListErrors(t *testing.T) {
	t.Parallel()

	if err := printIRList(""); err == nil {
		t.Error("expected error without a library")
	}

	if err := printIRList(filepath.Join(t.TempDir(), "none.irlib")); err == nil {
		t.Error("expected error for a missing library")
	}
}

func TestChannelLabel(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]string{1: "mono", 2: "stereo", 6: "6ch"} {
		if got := channelLabel(n); got != want {
			t.Errorf("channelLabel(%d) = %q, want %q", n, got, want)
		}
	}
}

func BenchmarkReverbStream(b *testing.B) {
	reverb, err := dsp.NewConvolutionReverb(testRate, 2)
	if err != nil {
		b.Fatal(err)
	}
	defer reverb.Close()

	ir := [][]float32{testutil.DecayingNoise(1, testRate, 3), testutil.DecayingNoise(2, testRate, 3)}
	if err := reverb.LoadImpulseResponseFromBytes(benchLibrary(b, ir), "", 0); err != nil {
		b.Fatal(err)
	}

	stream, err := newReverbStream(reverb, clickTrain(testRate, time.Second), 512)
	if err != nil {
		b.Fatal(err)
	}

	p := make([]byte, 512*2*bytesPerSample)

	b.SetBytes(int64(len(p)))
	b.ResetTimer()

	for range b.N {
		if _, err := stream.Read(p); err != nil {
			b.Fatal(err)
		}
	}
}

func benchLibrary(b *testing.B, ir [][]float32) []byte {
	b.Helper()

	lib := irformat.NewIRLibrary()
	lib.AddIR(irformat.NewImpulseResponse("Bench", testRate, ir))

	path := filepath.Join(b.TempDir(), "bench.irlib")

	f, err := os.Create(path)
	if err != nil {
		b.Fatal(err)
	}

	if err := irformat.WriteLibrary(f, lib); err != nil {
		f.Close()
		b.Fatal(err)
	}

	if err := f.Close(); err != nil {
		b.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		b.Fatal(err)
	}

	return data
}
