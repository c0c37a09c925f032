// Command ir-render convolves an audio file with an impulse response and
// writes the result as a WAV file.
//
// Usage:
//
//	ir-render [options] -ir <ir-file> <input-file> <output-file>
//	ir-render [options] -library <lib.irlib> -ir-name <name> <input-file> <output-file>
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/transforms"

	"irconv/dsp"
	"irconv/pkg/fft"
	"irconv/pkg/irfile"
	"irconv/pkg/resampler"
)

const argUsage = "ir-render [options] (-ir <ir-file> | -library <lib.irlib>) <input-file> <output-file>"

const help = `Offline convolution renderer for WAV and AIFF files.

usage:
  %s

flags:
`

type config struct {
	irPath       string
	libraryPath  string
	irName       string
	irIndex      int
	maxIRSamples int

	blockSize    int
	latency      int
	headSize     int
	maxPartition int
	fftProvider  string
	resampler    string

	stereo      bool
	trim        bool
	normaliseIR bool

	wet       float64
	dry       float64
	channels  int
	tail      bool
	normalize bool
	ceiling   float64
	bitDepth  int
	verbose   bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (config, []string, error) {
	var cfg config

	set := flag.NewFlagSet("ir-render", flag.ContinueOnError)
	set.SetOutput(output)
	set.Usage = func() {
		fmt.Fprintf(output, help, argUsage)
		set.PrintDefaults()
	}

	// Impulse response
	set.StringVar(&cfg.irPath, "ir", "", "Impulse response file (WAV or AIFF)")
	set.StringVar(&cfg.libraryPath, "library", "", "IR library file (.irlib)")
	set.StringVar(&cfg.irName, "ir-name", "", "Library IR name (overrides -ir-index)")
	set.IntVar(&cfg.irIndex, "ir-index", 0, "Library IR index")
	set.IntVar(&cfg.maxIRSamples, "ir-size", 0, "Maximum IR samples read from -ir (0 = all)")
	set.BoolVar(&cfg.stereo, "stereo", true, "Use up to two IR channels")
	set.BoolVar(&cfg.trim, "trim", false, "Trim IR silence")
	set.BoolVar(&cfg.normaliseIR, "normalize-ir", false, "Normalize IR energy")

	// Engine
	set.IntVar(&cfg.blockSize, "blocksize", dsp.DefaultReverbBlockSize, "Processing block size in samples")
	set.IntVar(&cfg.latency, "latency", 0, "Added latency in samples (0 = zero-latency engine)")
	set.IntVar(&cfg.headSize, "head", 0, "Non-uniform head partition size (0 = uniform)")
	set.IntVar(&cfg.maxPartition, "max-partition", 0, "Largest non-uniform tail partition (0 = unlimited)")
	set.StringVar(&cfg.fftProvider, "fft", "", "FFT provider (algofft, gonum, godsp; empty = best for this CPU)")
	set.StringVar(&cfg.resampler, "resampler", resampler.NameSinc,
		"IR resampler ("+strings.Join(resampler.Names(), ", ")+")")

	// Output
	set.Float64Var(&cfg.wet, "wet", 1, "Wet (convolved) gain")
	set.Float64Var(&cfg.dry, "dry", 0, "Dry (input) gain")
	set.IntVar(&cfg.channels, "channels", 0, "Output channels, 1 or 2 (0 = same as input)")
	set.BoolVar(&cfg.tail, "tail", true, "Extend the output by the IR length")
	set.BoolVar(&cfg.normalize, "normalize", false, "Normalize the output peak to -ceiling")
	set.Float64Var(&cfg.ceiling, "ceiling", 0.99, "Output peak after -normalize")
	set.IntVar(&cfg.bitDepth, "bitdepth", 24, "Output bit depth (16, 24 or 32)")
	set.BoolVar(&cfg.verbose, "verbose", false, "Log engine details")

	if err := set.Parse(args); err != nil {
		return cfg, nil, err
	}

	if set.NArg() != 2 {
		return cfg, nil, errors.New("usage: " + argUsage)
	}

	if (cfg.irPath == "") == (cfg.libraryPath == "") {
		return cfg, nil, errors.New("exactly one of -ir and -library is required")
	}

	if cfg.channels < 0 || cfg.channels > 2 {
		return cfg, nil, fmt.Errorf("invalid channel count %d", cfg.channels)
	}

	if cfg.blockSize <= 0 {
		return cfg, nil, fmt.Errorf("invalid block size %d", cfg.blockSize)
	}

	return cfg, set.Args(), nil
}

func run(args []string, stdout io.Writer) error {
	cfg, paths, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	inFile, outFile := paths[0], paths[1]

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	input, err := irfile.DecodeFile(inFile, 0)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	if len(input.Channels) > 2 {
		return errors.New("only mono and stereo input is supported")
	}

	channels := matchChannels(input.Channels, cfg.channels)

	wet, irSize, latency, err := render(cfg, channels, input.SampleRate, logger)
	if err != nil {
		return err
	}

	mixed := mix(wet, channels, float32(cfg.wet), float32(cfg.dry))

	buf := irfile.Interleave(mixed, int(input.SampleRate))
	if cfg.normalize {
		transforms.NormalizeMax(buf)

		for i := range buf.Data {
			buf.Data[i] *= cfg.ceiling
		}
	}

	if err := writeOutput(outFile, buf, cfg.bitDepth); err != nil {
		return err
	}

	frames := len(mixed[0])
	fmt.Fprintf(stdout, "Rendered %s: %d ch, %.0f Hz, %.2fs (IR %d samples, latency %d)\n",
		outFile, len(mixed), input.SampleRate, float64(frames)/input.SampleRate, irSize, latency)

	return nil
}

// matchChannels returns input with n channels. A mono input is
// duplicated; a stereo input folded to mono keeps the left channel.
func matchChannels(input [][]float32, n int) [][]float32 {
	if n == 0 || n == len(input) {
		return input
	}

	if n == 1 {
		return input[:1]
	}

	return [][]float32{input[0], input[0]}
}

func engineOptions(cfg config, logger *slog.Logger) ([]dsp.Option, error) {
	r, err := resampler.ByName(cfg.resampler)
	if err != nil {
		return nil, err
	}

	opts := []dsp.Option{
		dsp.WithLogger(logger),
		dsp.WithResampler(r),
		dsp.WithLatency(cfg.latency),
		dsp.WithNonUniform(cfg.headSize),
		dsp.WithMaxPartitionSize(cfg.maxPartition),
	}

	if cfg.fftProvider != "" {
		factory, err := fft.NewFactory(cfg.fftProvider)
		if err != nil {
			return nil, err
		}

		opts = append(opts, dsp.WithFFTFactory(factory))
	}

	return opts, nil
}

// render runs input through a prepared Convolution and returns the
// latency-compensated wet signal, the prepared IR size and the latency.
func render(cfg config, input [][]float32, sampleRate float64, logger *slog.Logger) ([][]float32, int, int, error) {
	var (
		result dsp.LoadResult
		loaded bool
	)

	opts, err := engineOptions(cfg, logger)
	if err != nil {
		return nil, 0, 0, err
	}

	// Prepare applies the queued IR synchronously, so the callback runs on
	// this goroutine.
	opts = append(opts, dsp.WithLoadCallback(func(r dsp.LoadResult) {
		result = r
		loaded = true
	}))

	conv := dsp.NewConvolution(opts...)
	defer conv.Close()

	if err := queueIR(conv, cfg, logger); err != nil {
		return nil, 0, 0, err
	}

	spec := dsp.ProcessSpec{
		SampleRate:       sampleRate,
		MaximumBlockSize: cfg.blockSize,
		NumChannels:      len(input),
	}

	if err := conv.Prepare(spec); err != nil {
		return nil, 0, 0, err
	}

	if !loaded {
		return nil, 0, 0, errors.New("impulse response was not loaded")
	}

	if result.Err != nil {
		return nil, 0, 0, fmt.Errorf("failed to load impulse response: %w", result.Err)
	}

	inFrames := len(input[0])
	irSize := conv.CurrentIRSize()
	latency := conv.Latency()

	frames := inFrames
	if cfg.tail {
		frames += irSize - 1
	}

	total := frames + latency

	out := make([][]float32, len(input))
	block := make([][]float32, len(input))
	inView := make([][]float32, len(input))
	outView := make([][]float32, len(input))

	for ch := range out {
		out[ch] = make([]float32, total)
		block[ch] = make([]float32, cfg.blockSize)
	}

	for start := 0; start < total; start += cfg.blockSize {
		n := min(cfg.blockSize, total-start)

		for ch := range block {
			clear(block[ch][:n])

			if start < inFrames {
				copy(block[ch][:n], input[ch][start:min(start+n, inFrames)])
			}

			inView[ch] = block[ch][:n]
			outView[ch] = out[ch][start : start+n]
		}

		conv.Process(inView, outView)
	}

	for ch := range out {
		out[ch] = out[ch][latency:]
	}

	return out, irSize, latency, nil
}

func queueIR(conv *dsp.Convolution, cfg config, logger *slog.Logger) error {
	settings := dsp.IRSettings{Stereo: cfg.stereo, Trim: cfg.trim, Normalise: cfg.normaliseIR}

	if cfg.irPath != "" {
		return conv.LoadImpulseResponseFromFile(cfg.irPath, settings, cfg.maxIRSamples)
	}

	f, err := os.Open(cfg.libraryPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ir, entry, err := dsp.LoadLibraryIR(f, cfg.irName, cfg.irIndex)
	if err != nil {
		return fmt.Errorf("failed to load library IR: %w", err)
	}

	logger.Info("Library IR selected", "index", entry.Index, "name", entry.Name, "category", entry.Category)

	return conv.LoadImpulseResponse(ir.Samples, ir.SampleRate, settings)
}

// mix combines the wet signal with the dry input. The dry signal is zero
// past the end of the input.
func mix(wet, dry [][]float32, wetGain, dryGain float32) [][]float32 {
	for ch := range wet {
		for i := range wet[ch] {
			wet[ch][i] *= wetGain
		}

		if dryGain == 0 {
			continue
		}

		for i, v := range dry[ch][:min(len(dry[ch]), len(wet[ch]))] {
			wet[ch][i] += dryGain * v
		}
	}

	return wet
}

func writeOutput(path string, buf *audio.FloatBuffer, bitDepth int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := irfile.EncodeFloatBuffer(f, buf, bitDepth); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}

	return f.Close()
}
