// Command ir-convert builds an IR library (.irlib) from a directory of WAV
// and AIFF impulse responses.
//
// Usage:
//
//	ir-convert [options] <input-directory> <output-file>
//
// Options:
//
//	-recursive     Scan input directory recursively
//	-category      Set category for all IRs (default: infer from directory)
//	-normalize     Normalize peak amplitude to -1.0dB
//	-trim          Remove leading and trailing silence
//	-samplerate    Resample every IR to this rate (0 keeps the source rate)
//	-resampler     Resampler used with -samplerate
//	-encoding      Sample encoding: f16 or float32
//	-verbose       Show progress and details
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"irconv/dsp"
	"irconv/pkg/irfile"
	"irconv/pkg/irformat"
	"irconv/pkg/resampler"
)

var (
	recursive     = flag.Bool("recursive", false, "Scan input directory recursively")
	category      = flag.String("category", "", "Set category for all IRs (default: infer from directory)")
	normalize     = flag.Bool("normalize", false, "Normalize peak amplitude to -1.0dB")
	trim          = flag.Bool("trim", false, "Remove leading and trailing silence")
	sampleRate    = flag.Float64("samplerate", 0, "Resample every IR to this rate (0 keeps the source rate)")
	resamplerName = flag.String("resampler", resampler.NameSinc, "Resampler used with -samplerate ("+strings.Join(resampler.Names(), ", ")+")")
	encoding      = flag.String("encoding", "f16", "Sample encoding: f16 or float32")
	verbose       = flag.Bool("verbose", false, "Show progress and details")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <input-directory> <output-file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Converts WAV and AIFF files to the IR library format (.irlib).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s ./assets ./ir-library.irlib\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -category Hall -normalize -trim ./hall-irs ./halls.irlib\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -samplerate 48000 -encoding float32 ./irs ./irs-48k.irlib\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	inputDir := flag.Arg(0)
	outputFile := flag.Arg(1)

	err := run(inputDir, outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the conversion settings taken from the command line.
type options struct {
	category   string
	normalize  bool
	trim       bool
	sampleRate float64
	resampler  resampler.Resampler
	encoding   irformat.Encoding
}

func optionsFromFlags() (options, error) {
	enc, err := irformat.ParseEncoding(*encoding)
	if err != nil {
		return options{}, err
	}

	opts := options{
		category:   *category,
		normalize:  *normalize,
		trim:       *trim,
		sampleRate: *sampleRate,
		encoding:   enc,
	}

	if opts.sampleRate < 0 || math.IsNaN(opts.sampleRate) {
		return options{}, fmt.Errorf("invalid sample rate %v", opts.sampleRate)
	}

	if opts.sampleRate > 0 {
		opts.resampler, err = resampler.ByName(*resamplerName)
		if err != nil {
			return options{}, err
		}
	}

	return opts, nil
}

func run(inputDir, outputFile string) error {
	opts, err := optionsFromFlags()
	if err != nil {
		return err
	}

	files, err := findAudioFiles(inputDir, *recursive)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("no WAV or AIFF files found in %s", inputDir)
	}

	if *verbose {
		fmt.Printf("Found %d audio files\n", len(files))
	}

	lib := irformat.NewIRLibrary()

	for i, filePath := range files {
		if *verbose {
			fmt.Printf("[%d/%d] Processing: %s\n", i+1, len(files), filepath.Base(filePath))
		}

		ir, err := convertFile(filePath, inputDir, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", filePath, err)
			continue
		}

		lib.AddIR(ir)
	}

	if len(lib.IRs) == 0 {
		return errors.New("no files were successfully converted")
	}

	outFile, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if err := irformat.WriteLibrary(outFile, lib); err != nil {
		return fmt.Errorf("failed to write library: %w", err)
	}

	info, err := outFile.Stat()
	if err == nil && *verbose {
		fmt.Printf("\nLibrary written: %s\n", outputFile)
		fmt.Printf("  IRs: %d\n", len(lib.IRs))
		fmt.Printf("  Encoding: %s\n", opts.encoding)
		fmt.Printf("  Size: %.2f MB\n", float64(info.Size())/(1024*1024))
	} else {
		fmt.Printf("Created %s with %d IRs\n", outputFile, len(lib.IRs))
	}

	return nil
}

// findAudioFiles returns the decodable files under dir in lexical order.
func findAudioFiles(dir string, recursive bool) ([]string, error) {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() && path != dir && !recursive {
			return fs.SkipDir
		}

		if !d.IsDir() && irfile.IsSupported(path) {
			files = append(files, path)
		}

		return nil
	}

	err := filepath.WalkDir(dir, walkFn)
	if err != nil {
		return nil, err
	}

	return files, nil
}

func convertFile(filePath, baseDir string, opts options) (*irformat.ImpulseResponse, error) {
	audio, err := irfile.DecodeFile(filePath, 0)
	if err != nil {
		return nil, err
	}

	data := audio.Channels
	rate := audio.SampleRate

	if opts.trim {
		data = dsp.TrimImpulseResponse(data)
	}

	if opts.sampleRate > 0 {
		data, err = dsp.ResampleImpulseResponse(data, rate, opts.sampleRate, opts.resampler)
		if err != nil {
			return nil, err
		}

		rate = opts.sampleRate
	}

	if opts.normalize {
		data = normalizeAudio(data)
	}

	name := inferName(filePath)

	cat := inferCategory(filePath, baseDir)
	if opts.category != "" {
		cat = opts.category
	}

	ir := irformat.NewImpulseResponse(name, rate, data)
	ir.Metadata.Category = cat
	ir.Metadata.Tags = inferTags(name)
	ir.Audio.Encoding = opts.encoding

	if *verbose {
		fmt.Printf("    %s: %d ch, %.0f Hz, %d samples (%.2fs, source %s %d-bit)\n",
			name, ir.Metadata.Channels, rate, ir.Metadata.Length, ir.Duration(),
			irfile.FormatFromPath(filePath), audio.BitDepth)
	}

	return ir, nil
}

// inferName extracts a clean name from the file path.
func inferName(filePath string) string {
	name := filepath.Base(filePath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")

	return name
}

// inferCategory uses the first directory below baseDir.
func inferCategory(filePath, baseDir string) string {
	rel, err := filepath.Rel(baseDir, filePath)
	if err != nil {
		return "Default"
	}

	dir := filepath.Dir(rel)
	if dir == "." || dir == "" {
		return "Default"
	}

	parts := strings.Split(dir, string(filepath.Separator))
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}

	return "Default"
}

// inferTags extracts tags from the filename.
func inferTags(name string) []string {
	keywords := []string{
		"hall", "room", "plate", "spring", "chamber",
		"church", "ambience", "studio", "vocal", "drum",
		"guitar", "large", "small", "medium", "short", "long",
		"bright", "dark", "warm", "wet", "dry",
	}

	nameLower := strings.ToLower(name)

	var tags []string

	for _, kw := range keywords {
		if strings.Contains(nameLower, kw) {
			tags = append(tags, kw)
		}
	}

	return tags
}

// normalizeAudio scales data to peak at -1.0dB. Silent input is returned
// unchanged.
func normalizeAudio(data [][]float32) [][]float32 {
	var peak float32

	for _, ch := range data {
		for _, sample := range ch {
			peak = max(peak, float32(math.Abs(float64(sample))))
		}
	}

	if peak == 0 {
		return data
	}

	gain := float32(math.Pow(10, -1.0/20.0)) / peak

	result := make([][]float32, len(data))
	for ch := range data {
		result[ch] = make([]float32, len(data[ch]))
		for i, sample := range data[ch] {
			result[ch][i] = sample * gain
		}
	}

	return result
}
