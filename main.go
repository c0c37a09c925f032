// Command irconv is a real-time convolution reverb player. It loops an
// audio file (or a click train) through a ConvolutionReverb and plays the
// result, with a terminal UI and a web UI for live control.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"irconv/dsp"
	"irconv/pkg/fft"
	"irconv/pkg/irfile"
	"irconv/pkg/resampler"
	"irconv/web"
)

// Audio configuration.
const (
	channels          = 2
	defaultSampleRate = 48000
	clickPeriod       = 1500 * time.Millisecond
)

func main() {
	// Impulse response
	irFile := flag.String("ir", "", "Path to impulse response file (WAV or AIFF)")
	irLibrary := flag.String("ir-library", "", "Path to IR library file (.irlib)")
	irName := flag.String("ir-name", "", "Name of IR to load from library")
	irIndex := flag.Int("ir-index", 0, "Index of IR to load from library (default: 0)")
	listIRs := flag.Bool("list-irs", false, "List available IRs in the library and exit")
	trim := flag.Bool("trim", true, "Trim IR silence")
	normalise := flag.Bool("normalize", true, "Normalize IR energy")
	mono := flag.Bool("mono-ir", false, "Use only the first IR channel")

	// Processing
	input := flag.String("input", "", "Audio file to loop through the reverb (default: click train)")
	wetLevel := flag.Float64("wet", 0.3, "Wet (reverb) level (0.0-1.0)")
	dryLevel := flag.Float64("dry", 0.7, "Dry (direct) level (0.0-1.0)")
	latency := flag.Int("latency", 256, "Processing latency in samples (0 = zero latency, rounded up to a power of two)")
	head := flag.Int("head", 0, "Non-uniform head partition size (0 = uniform)")
	maxPartition := flag.Int("max-partition", 0, "Largest non-uniform tail partition (0 = unlimited)")
	blockSize := flag.Int("block", dsp.DefaultReverbBlockSize, "Maximum processing block in frames")
	fftName := flag.String("fft", "", "FFT provider (algofft, gonum, godsp; empty = best for this CPU)")
	resamplerName := flag.String("resampler", resampler.NameSinc, "IR resampler")
	bufferMS := flag.Int("buffer", 0, "Audio output buffer in milliseconds (0 = driver default)")

	// Interface
	noTUI := flag.Bool("no-tui", false, "Disable interactive TUI")
	webPort := flag.Int("port", 8080, "Web server port")
	noBrowser := flag.Bool("no-browser", false, "Don't auto-open browser")
	noWeb := flag.Bool("no-web", false, "Disable web server")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFile := flag.String("log", "irconv.log", "Log file path")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Parse()

	if *showHelp {
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("irconv - real-time convolution reverb")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nUsage: irconv [options]")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nExamples:")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  irconv -ir-library ./ir-library.irlib -input ./guitar.wav")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  irconv -ir-library ./ir-library.irlib -ir-name \"Large Hall\"")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  irconv -ir ./plate.wav -latency 0 -head 128")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  irconv -ir-library ./ir-library.irlib -list-irs")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *listIRs {
		if err := printIRList(*irLibrary); err != nil {
			//nolint:forbidigo // CLI error output
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	file, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level})))
	slog.Info("Starting irconv", "args", os.Args)

	cfg := hostConfig{
		irFile:       *irFile,
		irLibrary:    *irLibrary,
		irName:       *irName,
		irIndex:      *irIndex,
		settings:     dsp.IRSettings{Stereo: !*mono, Trim: *trim, Normalise: *normalise},
		input:        *input,
		wet:          *wetLevel,
		dry:          *dryLevel,
		latency:      *latency,
		head:         *head,
		maxPartition: *maxPartition,
		blockSize:    *blockSize,
		fft:          *fftName,
		resampler:    *resamplerName,
	}

	h, err := newHost(cfg)
	if err != nil {
		slog.Error("Startup failed", "error", err)
		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	audio, err := startAudio(h.stream, int(h.reverb.SampleRate()), time.Duration(*bufferMS)*time.Millisecond)
	if err != nil {
		slog.Error("Audio output failed", "error", err)
		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer audio.Close()

	slog.Info("Audio output started",
		"sample_rate", h.reverb.SampleRate(), "block", *blockSize, "latency", h.reverb.Latency())

	var webServer *web.Server
	if !*noWeb {
		webServer = web.NewServer(h.reverb, h.libraryData, h.webIRList(), *webPort)

		// Register as state listener
		h.reverb.AddStateListener(webServer)

		go func() {
			slog.Info("Starting web server", "port", *webPort)
			if err := webServer.Start(); err != nil {
				slog.Error("Web server error", "error", err)
			}
		}()

		if !*noBrowser {
			time.Sleep(200 * time.Millisecond) // Give server time to start
			go func() {
				url := fmt.Sprintf("http://localhost:%d", *webPort)
				if err := web.OpenBrowser(url); err != nil {
					slog.Error("Failed to open browser", "error", err)
				}
			}()
		}

		//nolint:forbidigo // startup message
		fmt.Printf("Web UI available at http://localhost:%d\n", *webPort)
	}

	if *noTUI {
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Starting irconv convolution reverb...")
		//nolint:forbidigo // headless mode startup message
		fmt.Println("TUI disabled. Running in headless mode.")
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Log file:", *logFile)
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Press Ctrl+C to exit.")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		<-ctx.Done()
		stop()
	} else {
		runTUI(h.reverb, h.stream, h.libraryData, h.irList)
		slog.Info("TUI exited")
	}

	if err := audio.Err(); err != nil {
		slog.Error("Audio playback error", "error", err)
	}

	if webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := webServer.Shutdown(ctx); err != nil {
			slog.Error("Web server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// printIRList prints the entries of the library at path.
func printIRList(path string) error {
	if path == "" {
		return errors.New("-list-irs requires -ir-library")
	}

	entries, err := dsp.ListLibraryIRs(path)
	if err != nil {
		return fmt.Errorf("failed to read IR library: %w", err)
	}

	//nolint:forbidigo // CLI output
	fmt.Printf("Available IRs in %s:\n\n", path)

	for _, entry := range entries {
		//nolint:forbidigo // CLI output
		fmt.Printf("  %3d: %-30s (category: %s, %.0fHz, %s, %.2fs)\n",
			entry.Index, entry.Name, entry.Category, entry.SampleRate, channelLabel(entry.Channels), entry.Duration())
	}

	return nil
}

func channelLabel(n int) string {
	switch {
	case n == 1:
		return "mono"
	case n == 2:
		return "stereo"
	default:
		return fmt.Sprintf("%dch", n)
	}
}

// hostConfig is the parsed command line.
type hostConfig struct {
	irFile    string
	irLibrary string
	irName    string
	irIndex   int
	settings  dsp.IRSettings

	input        string
	wet, dry     float64
	latency      int
	head         int
	maxPartition int
	blockSize    int
	fft          string
	resampler    string
}

// host owns the reverb, the audio stream and the IR library.
type host struct {
	reverb      *dsp.ConvolutionReverb
	stream      *reverbStream
	libraryData []byte
	irList      []dsp.IRIndexEntry
}

func newHost(cfg hostConfig) (*host, error) {
	if cfg.blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.blockSize)
	}

	source, sampleRate, err := loadSource(cfg.input)
	if err != nil {
		return nil, err
	}

	opts, err := reverbOptions(cfg)
	if err != nil {
		return nil, err
	}

	reverb, err := dsp.NewConvolutionReverb(sampleRate, channels, opts...)
	if err != nil {
		return nil, err
	}

	h := &host{reverb: reverb}

	reverb.SetIRSettings(cfg.settings)
	reverb.SetWetLevel(cfg.wet)
	reverb.SetDryLevel(cfg.dry)

	if err := h.loadIR(cfg); err != nil {
		reverb.Close()
		return nil, err
	}

	// Prepared after the IR request so the first block already uses it.
	h.stream, err = newReverbStream(reverb, source, cfg.blockSize)
	if err != nil {
		reverb.Close()
		return nil, err
	}

	slog.Info("Reverb initialized",
		"sample_rate", sampleRate, "channels", channels, "latency", reverb.Latency(), "ir_size", reverb.IRSize())

	return h, nil
}

// loadSource decodes the input file, or returns a click train at the
// default rate.
func loadSource(path string) ([][]float32, float64, error) {
	if path == "" {
		return clickTrain(defaultSampleRate, clickPeriod), defaultSampleRate, nil
	}

	audio, err := irfile.DecodeFile(path, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read input %s: %w", path, err)
	}

	slog.Info("Input loaded", "file", path, "channels", len(audio.Channels),
		"sample_rate", audio.SampleRate, "duration", audio.Duration())

	return audio.Channels, audio.SampleRate, nil
}

func reverbOptions(cfg hostConfig) ([]dsp.Option, error) {
	r, err := resampler.ByName(cfg.resampler)
	if err != nil {
		return nil, err
	}

	opts := []dsp.Option{
		dsp.WithLogger(slog.Default()),
		dsp.WithResampler(r),
		dsp.WithLatency(cfg.latency),
		dsp.WithNonUniform(cfg.head),
		dsp.WithMaxPartitionSize(cfg.maxPartition),
	}

	if cfg.fft != "" {
		factory, err := fft.NewFactory(cfg.fft)
		if err != nil {
			return nil, err
		}

		opts = append(opts, dsp.WithFFTFactory(factory))
	}

	return opts, nil
}

// loadIR queues the configured IR. Libraries are kept in memory for IR
// switching from the user interfaces.
func (h *host) loadIR(cfg hostConfig) error {
	switch {
	case cfg.irLibrary != "":
		data, err := os.ReadFile(cfg.irLibrary)
		if err != nil {
			return fmt.Errorf("failed to read IR library: %w", err)
		}

		h.irList, err = dsp.ListLibraryIRsFromReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to read IR library: %w", err)
		}

		h.libraryData = data

		if err := h.reverb.LoadImpulseResponseFromBytes(data, cfg.irName, cfg.irIndex); err != nil {
			return fmt.Errorf("failed to load impulse response: %w", err)
		}

		slog.Info("Impulse response requested from library",
			"library", cfg.irLibrary, "name", cfg.irName, "index", cfg.irIndex)

	case cfg.irFile != "":
		// Decoding happens in the background; catch a bad path at startup.
		if _, err := os.Stat(cfg.irFile); err != nil {
			return fmt.Errorf("failed to load impulse response: %w", err)
		}

		if err := h.reverb.LoadImpulseResponse(cfg.irFile); err != nil {
			return fmt.Errorf("failed to load impulse response: %w", err)
		}

		slog.Info("Impulse response requested", "file", cfg.irFile)

	default:
		slog.Warn("No impulse response given, running with a Dirac")
	}

	return nil
}

func (h *host) webIRList() []web.IREntry {
	list := make([]web.IREntry, len(h.irList))
	for i, entry := range h.irList {
		list[i] = web.IREntry{
			Index:      entry.Index,
			Name:       entry.Name,
			Category:   entry.Category,
			SampleRate: entry.SampleRate,
			Channels:   entry.Channels,
			Samples:    entry.Length,
			Duration:   entry.Duration(),
		}
	}

	return list
}

func (h *host) Close() error {
	return h.reverb.Close()
}
