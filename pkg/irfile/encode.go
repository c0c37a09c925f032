package irfile

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/transforms"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// EncodeWAV writes channels as integer PCM. Samples are clamped to
// [-1, 1]. Supported bit depths are 16, 24 and 32.
func EncodeWAV(w io.WriteSeeker, channels [][]float32, sampleRate, bitDepth int) error {
	if len(channels) == 0 || len(channels[0]) == 0 {
		return ErrNoAudio
	}

	return EncodeFloatBuffer(w, Interleave(channels, sampleRate), bitDepth)
}

// EncodeFloatBuffer writes an interleaved buffer of [-1, 1] samples as
// integer PCM. buf is clamped and scaled in place.
func EncodeFloatBuffer(w io.WriteSeeker, buf *audio.FloatBuffer, bitDepth int) error {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: %d-bit output", ErrUnsupportedFormat, bitDepth)
	}

	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || len(buf.Data) == 0 {
		return ErrNoAudio
	}

	if buf.Format.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFile, buf.Format.SampleRate)
	}

	for i, v := range buf.Data {
		buf.Data[i] = max(-1, min(1, v))
	}

	if err := transforms.PCMScale(buf, bitDepth); err != nil {
		return err
	}

	enc := wav.NewEncoder(w, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf.AsIntBuffer()); err != nil {
		return fmt.Errorf("failed to write PCM data: %w", err)
	}

	return enc.Close()
}

// WriteWAVFile creates path and encodes channels into it.
func WriteWAVFile(path string, channels [][]float32, sampleRate, bitDepth int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := EncodeWAV(f, channels, sampleRate, bitDepth); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// Interleave packs channels into a float64 buffer. Channels shorter than
// the first are zero padded.
func Interleave(channels [][]float32, sampleRate int) *audio.FloatBuffer {
	numChannels := len(channels)
	frames := 0

	if numChannels > 0 {
		frames = len(channels[0])
	}

	data := make([]float64, frames*numChannels)

	for ch, samples := range channels {
		for i, v := range samples[:min(frames, len(samples))] {
			data[i*numChannels+ch] = float64(v)
		}
	}

	return &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:   data,
	}
}
