// Package irfile decodes impulse responses from WAV and AIFF files and
// writes rendered audio back to WAV.
//
// Decoding is delegated to the go-audio codecs. Samples are converted to
// float32 in [-1, 1) and de-interleaved into one slice per channel.
package irfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Errors.
var (
	ErrUnsupportedFormat = errors.New("irfile: unsupported format")
	ErrInvalidFile       = errors.New("irfile: invalid audio file")
	ErrNoAudio           = errors.New("irfile: no audio data")
)

// wavFormatFloat is the WAVE_FORMAT_IEEE_FLOAT format tag.
const wavFormatFloat = 3

// readChunkFrames is the number of frames read per PCMBuffer call when a
// frame limit is set.
const readChunkFrames = 4096

// Format identifies an audio container.
type Format int

const (
	FormatUnknown Format = iota
	FormatWAV
	FormatAIFF
)

func (f Format) String() string {
	switch f {
	case FormatWAV:
		return "wav"
	case FormatAIFF:
		return "aiff"
	default:
		return "unknown"
	}
}

// Audio is decoded, de-interleaved audio.
type Audio struct {
	Channels   [][]float32
	SampleRate float64
	BitDepth   int
}

// NumFrames returns the number of samples per channel.
func (a *Audio) NumFrames() int {
	if len(a.Channels) == 0 {
		return 0
	}

	return len(a.Channels[0])
}

// Duration returns the length in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate <= 0 {
		return 0
	}

	return float64(a.NumFrames()) / a.SampleRate
}

// DetectFormat inspects the first 12 bytes of a file.
func DetectFormat(header []byte) Format {
	if len(header) < 12 {
		return FormatUnknown
	}

	switch {
	case string(header[0:4]) == "RIFF" && string(header[8:12]) == "WAVE":
		return FormatWAV
	case string(header[0:4]) == "FORM" && (string(header[8:12]) == "AIFF" || string(header[8:12]) == "AIFC"):
		return FormatAIFF
	default:
		return FormatUnknown
	}
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return FormatWAV
	case ".aif", ".aiff", ".aifc":
		return FormatAIFF
	default:
		return FormatUnknown
	}
}

// IsSupported reports whether path has a decodable extension.
func IsSupported(path string) bool {
	return FormatFromPath(path) != FormatUnknown
}

// DecodeFile decodes the file at path. maxFrames > 0 limits the number of
// samples read per channel.
func DecodeFile(path string, maxFrames int) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a, err := Decode(f, maxFrames)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return a, nil
}

// DecodeBytes decodes an in-memory file.
func DecodeBytes(data []byte, maxFrames int) (*Audio, error) {
	return Decode(bytes.NewReader(data), maxFrames)
}

// Decode sniffs the container type and decodes r.
func Decode(r io.ReadSeeker, maxFrames int) (*Audio, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	switch DetectFormat(header) {
	case FormatWAV:
		return decodeWAV(r, maxFrames)
	case FormatAIFF:
		return decodeAIFF(r, maxFrames)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func decodeWAV(r io.ReadSeeker, maxFrames int) (*Audio, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidFile
	}

	numChannels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	isFloat := dec.WavAudioFormat == wavFormatFloat

	if isFloat && bitDepth != 32 {
		return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, bitDepth)
	}

	var data []int

	if maxFrames > 0 {
		buf := &audio.IntBuffer{Data: make([]int, readChunkFrames*numChannels)}
		want := maxFrames * numChannels

		for len(data) < want {
			n, err := dec.PCMBuffer(buf)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
			}

			if n == 0 {
				break
			}

			data = append(data, buf.Data[:n]...)
		}
	} else {
		buf, err := dec.FullPCMBuffer()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		data = buf.Data
	}

	var toFloat func(int) float32

	switch {
	case isFloat:
		toFloat = func(v int) float32 { return math.Float32frombits(uint32(int32(v))) }
	case bitDepth == 8:
		// 8-bit WAV is unsigned.
		toFloat = func(v int) float32 { return float32(v-128) / 128 }
	default:
		toFloat = intScale(bitDepth)
	}

	return deinterleave(data, numChannels, float64(dec.SampleRate), bitDepth, maxFrames, toFloat)
}

func decodeAIFF(r io.ReadSeeker, maxFrames int) (*Audio, error) {
	buf, err := aiff.NewDecoder(r).FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	if buf == nil || buf.Format == nil {
		return nil, ErrInvalidFile
	}

	return deinterleave(buf.Data, buf.Format.NumChannels, float64(buf.Format.SampleRate),
		buf.SourceBitDepth, maxFrames, intScale(buf.SourceBitDepth))
}

func intScale(bitDepth int) func(int) float32 {
	scale := 1 / float32(math.Pow(2, float64(bitDepth-1)))
	return func(v int) float32 { return float32(v) * scale }
}

func deinterleave(data []int, numChannels int, sampleRate float64, bitDepth, maxFrames int, toFloat func(int) float32) (*Audio, error) {
	if numChannels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidFile, numChannels)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %v", ErrInvalidFile, sampleRate)
	}

	frames := len(data) / numChannels
	if maxFrames > 0 {
		frames = min(frames, maxFrames)
	}

	if frames == 0 {
		return nil, ErrNoAudio
	}

	channels := make([][]float32, numChannels)
	for ch := range channels {
		channels[ch] = make([]float32, frames)
	}

	for i := range frames {
		frame := data[i*numChannels : (i+1)*numChannels]
		for ch, v := range frame {
			channels[ch][i] = toFloat(v)
		}
	}

	return &Audio{Channels: channels, SampleRate: sampleRate, BitDepth: bitDepth}, nil
}
