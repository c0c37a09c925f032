package dsp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"irconv/pkg/irformat"
)

// IRIndexEntry describes one impulse response of an IR library.
type IRIndexEntry struct {
	Index      int
	Name       string
	Category   string
	SampleRate float64
	Channels   int
	Length     int
}

// Duration returns the IR length in seconds.
func (e IRIndexEntry) Duration() float64 {
	if e.SampleRate <= 0 {
		return 0
	}

	return float64(e.Length) / e.SampleRate
}

// ListLibraryIRs lists the IRs of the library file at path.
func ListLibraryIRs(path string) ([]IRIndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open IR library: %w", err)
	}
	defer f.Close()

	return ListLibraryIRsFromReader(f)
}

// ListLibraryIRsFromReader lists the IRs of the library in r without
// decoding audio.
func ListLibraryIRsFromReader(r io.ReadSeeker) ([]IRIndexEntry, error) {
	reader, err := irformat.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read IR library: %w", err)
	}

	index := reader.ListIRs()
	entries := make([]IRIndexEntry, len(index))

	for i, e := range index {
		entries[i] = IRIndexEntry{
			Index:      i,
			Name:       e.Name,
			Category:   e.Category,
			SampleRate: e.SampleRate,
			Channels:   e.Channels,
			Length:     e.Length,
		}
	}

	return entries, nil
}

// LoadLibraryIR decodes one IR of the library in r. A non-empty name
// takes precedence over index. The returned entry carries the resolved
// index.
func LoadLibraryIR(r io.ReadSeeker, name string, index int) (ImpulseResponse, IRIndexEntry, error) {
	reader, err := irformat.NewReader(r)
	if err != nil {
		return ImpulseResponse{}, IRIndexEntry{}, fmt.Errorf("failed to read IR library: %w", err)
	}

	if name != "" {
		index = slices.IndexFunc(reader.ListIRs(), func(e irformat.IndexEntry) bool { return e.Name == name })
		if index < 0 {
			return ImpulseResponse{}, IRIndexEntry{}, fmt.Errorf("%w: %q", irformat.ErrIRNotFound, name)
		}
	}

	ir, err := reader.LoadIR(index)
	if err != nil {
		return ImpulseResponse{}, IRIndexEntry{}, fmt.Errorf("failed to load IR from library: %w", err)
	}

	meta := ir.Metadata
	entry := IRIndexEntry{
		Index:      index,
		Name:       meta.Name,
		Category:   meta.Category,
		SampleRate: meta.SampleRate,
		Channels:   meta.Channels,
		Length:     meta.Length,
	}

	return ImpulseResponse{Samples: ir.Audio.Data, SampleRate: meta.SampleRate}, entry, nil
}

// loadLibraryBytes is LoadLibraryIR over an in-memory library.
func loadLibraryBytes(data []byte, name string, index int) (ImpulseResponse, IRIndexEntry, error) {
	return LoadLibraryIR(bytes.NewReader(data), name, index)
}
