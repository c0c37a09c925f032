package irformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"irconv/pkg/f16"
)

// Writer writes an IR library. Call WriteHeader, then WriteIR for every
// entry, then Close.
type Writer struct {
	w       io.WriteSeeker
	entries []IndexEntry
	pos     uint64
}

// NewWriter returns a Writer on w. Seeking is needed to patch the index
// offset into the header on Close.
func NewWriter(w io.WriteSeeker) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the file header announcing irCount entries.
func (w *Writer) WriteHeader(irCount int) error {
	buf := make([]byte, 0, FileHeaderSize)
	buf = append(buf, MagicNumber...)
	buf = binary.LittleEndian.AppendUint16(buf, CurrentVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(irCount))
	// index offset, patched by Close
	buf = binary.LittleEndian.AppendUint64(buf, 0)

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.pos = FileHeaderSize

	return nil
}

// WriteIR appends one impulse response.
func (w *Writer) WriteIR(ir *ImpulseResponse) error {
	meta, err := encodeMetadata(&ir.Metadata)
	if err != nil {
		return fmt.Errorf("IR %q: %w", ir.Metadata.Name, err)
	}

	audio, err := encodeAudio(&ir.Audio)
	if err != nil {
		return fmt.Errorf("IR %q: %w", ir.Metadata.Name, err)
	}

	size := uint64(len(meta) + len(audio))

	header := make([]byte, 0, ChunkHeaderSize)
	header = append(header, ChunkTypeIR...)
	header = binary.LittleEndian.AppendUint64(header, size)

	for _, part := range [][]byte{header, meta, audio} {
		if _, err := w.w.Write(part); err != nil {
			return fmt.Errorf("failed to write IR %q: %w", ir.Metadata.Name, err)
		}
	}

	w.entries = append(w.entries, IndexEntry{
		Offset:     w.pos,
		SampleRate: ir.Metadata.SampleRate,
		Channels:   ir.Metadata.Channels,
		Length:     ir.Metadata.Length,
		Name:       ir.Metadata.Name,
		Category:   ir.Metadata.Category,
	})
	w.pos += ChunkHeaderSize + size

	return nil
}

// Close writes the index chunk and patches its offset into the header.
// It does not close the underlying writer.
func (w *Writer) Close() error {
	var index []byte
	for i := range w.entries {
		index = appendIndexEntry(index, &w.entries[i])
	}

	header := make([]byte, 0, ChunkHeaderSize)
	header = append(header, ChunkTypeIndex...)
	header = binary.LittleEndian.AppendUint64(header, uint64(len(index)))

	if _, err := w.w.Write(append(header, index...)); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	if _, err := w.w.Seek(indexOffsetField, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to index offset field: %w", err)
	}

	if err := binary.Write(w.w, binary.LittleEndian, w.pos); err != nil {
		return fmt.Errorf("failed to write index offset: %w", err)
	}

	return nil
}

func encodeMetadata(meta *IRMetadata) ([]byte, error) {
	for _, s := range append([]string{meta.Name, meta.Description, meta.Category}, meta.Tags...) {
		if len(s) > maxStringLength {
			return nil, fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
	}

	if len(meta.Tags) > maxStringLength {
		return nil, fmt.Errorf("%w: %d tags", ErrStringTooLong, len(meta.Tags))
	}

	body := binary.LittleEndian.AppendUint64(nil, math.Float64bits(meta.SampleRate))
	body = binary.LittleEndian.AppendUint32(body, uint32(meta.Channels))
	body = binary.LittleEndian.AppendUint32(body, uint32(meta.Length))
	body = appendString(body, meta.Name)
	body = appendString(body, meta.Description)
	body = appendString(body, meta.Category)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(meta.Tags)))

	for _, tag := range meta.Tags {
		body = appendString(body, tag)
	}

	return appendSubChunk(nil, ChunkTypeMeta, body), nil
}

func encodeAudio(audio *AudioData) ([]byte, error) {
	var body []byte

	switch audio.Encoding {
	case EncodingF16:
		data, err := f16.EncodeInterleaved(audio.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
		}

		body = data
	case EncodingFloat32:
		data, err := encodeFloat32Interleaved(audio.Data)
		if err != nil {
			return nil, err
		}

		body = data
	default:
		return nil, fmt.Errorf("%w: encoding %d", ErrInvalidAudio, audio.Encoding)
	}

	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes of audio", ErrInvalidAudio, len(body))
	}

	return appendSubChunk(nil, audio.Encoding.chunkID(), body), nil
}

func encodeFloat32Interleaved(channels [][]float32) ([]byte, error) {
	if len(channels) == 0 {
		return []byte{}, nil
	}

	numSamples := len(channels[0])
	for _, samples := range channels[1:] {
		if len(samples) != numSamples {
			return nil, fmt.Errorf("%w: channels differ in length", ErrInvalidAudio)
		}
	}

	out := make([]byte, 0, len(channels)*numSamples*4)
	for i := range numSamples {
		for _, samples := range channels {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(samples[i]))
		}
	}

	return out, nil
}

func appendIndexEntry(buf []byte, e *IndexEntry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e.SampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Length))
	buf = appendString(buf, e.Name)

	return appendString(buf, e.Category)
}

func appendSubChunk(buf []byte, id string, body []byte) []byte {
	buf = append(buf, id...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))

	return append(buf, body...)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// WriteLibrary writes lib to w in one call.
func WriteLibrary(w io.WriteSeeker, lib *IRLibrary) error {
	writer := NewWriter(w)

	if err := writer.WriteHeader(len(lib.IRs)); err != nil {
		return err
	}

	for _, ir := range lib.IRs {
		if err := writer.WriteIR(ir); err != nil {
			return err
		}
	}

	return writer.Close()
}
