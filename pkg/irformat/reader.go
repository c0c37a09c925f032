package irformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"irconv/pkg/f16"
)

// maxChunkSize bounds allocations driven by sizes read from a file.
const maxChunkSize = 1 << 31

// Reader reads an IR library. The index is parsed on open; audio is
// decoded on demand.
type Reader struct {
	r           io.ReadSeeker
	version     uint16
	irCount     uint32
	indexOffset uint64
	index       []IndexEntry
}

// NewReader parses the header and index of the library in r.
func NewReader(r io.ReadSeeker) (*Reader, error) {
	reader := &Reader{r: r}

	if err := reader.readHeader(); err != nil {
		return nil, err
	}

	if err := reader.readIndex(); err != nil {
		return nil, err
	}

	return reader, nil
}

func (r *Reader) readHeader() error {
	var header [FileHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return corrupted(err)
	}

	if string(header[:4]) != MagicNumber {
		return ErrInvalidMagic
	}

	r.version = binary.LittleEndian.Uint16(header[4:])
	if r.version < MinVersion || r.version > CurrentVersion {
		return fmt.Errorf("%w: got version %d, want %d..%d", ErrUnsupportedVersion, r.version, MinVersion, CurrentVersion)
	}

	r.irCount = binary.LittleEndian.Uint32(header[6:])
	r.indexOffset = binary.LittleEndian.Uint64(header[indexOffsetField:])

	return nil
}

func (r *Reader) readIndex() error {
	if _, err := r.r.Seek(int64(r.indexOffset), io.SeekStart); err != nil {
		return corrupted(err)
	}

	id, size, err := r.readChunkHeader()
	if err != nil {
		return err
	}

	if id != ChunkTypeIndex {
		return fmt.Errorf("%w: expected index chunk, got %q", ErrInvalidChunk, id)
	}

	body, err := r.readBody(size)
	if err != nil {
		return err
	}

	d := decoder{buf: body}
	r.index = make([]IndexEntry, 0, min(r.irCount, 1<<16))

	for range r.irCount {
		entry := IndexEntry{
			Offset:     d.uint64(),
			SampleRate: math.Float64frombits(d.uint64()),
			Channels:   int(d.uint32()),
			Length:     int(d.uint32()),
			Name:       d.string(),
			Category:   d.string(),
		}

		if d.err != nil {
			return d.err
		}

		r.index = append(r.index, entry)
	}

	return nil
}

func (r *Reader) readChunkHeader() (string, uint64, error) {
	var header [ChunkHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return "", 0, corrupted(err)
	}

	return string(header[:4]), binary.LittleEndian.Uint64(header[4:]), nil
}

func (r *Reader) readBody(size uint64) ([]byte, error) {
	if size > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrCorruptedData, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, corrupted(err)
	}

	return body, nil
}

// Version returns the format version of the file.
func (r *Reader) Version() uint16 { return r.version }

// IRCount returns the number of entries.
func (r *Reader) IRCount() int { return int(r.irCount) }

// ListIRs returns a copy of the index.
func (r *Reader) ListIRs() []IndexEntry {
	out := make([]IndexEntry, len(r.index))
	copy(out, r.index)

	return out
}

// LoadIR decodes entry index.
func (r *Reader) LoadIR(index int) (*ImpulseResponse, error) {
	if index < 0 || index >= len(r.index) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(r.index))
	}

	if _, err := r.r.Seek(int64(r.index[index].Offset), io.SeekStart); err != nil {
		return nil, corrupted(err)
	}

	id, size, err := r.readChunkHeader()
	if err != nil {
		return nil, err
	}

	if id != ChunkTypeIR {
		return nil, fmt.Errorf("%w: expected IR chunk, got %q", ErrInvalidChunk, id)
	}

	body, err := r.readBody(size)
	if err != nil {
		return nil, err
	}

	return r.decodeIR(body)
}

// LoadIRByName decodes the first entry called name.
func (r *Reader) LoadIRByName(name string) (*ImpulseResponse, error) {
	for i := range r.index {
		if r.index[i].Name == name {
			return r.LoadIR(i)
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrIRNotFound, name)
}

func (r *Reader) decodeIR(body []byte) (*ImpulseResponse, error) {
	d := decoder{buf: body}
	ir := &ImpulseResponse{}

	id, meta := d.subChunk()
	if d.err != nil {
		return nil, d.err
	}

	if id != ChunkTypeMeta {
		return nil, fmt.Errorf("%w: expected metadata sub-chunk, got %q", ErrInvalidChunk, id)
	}

	if err := decodeMetadata(meta, &ir.Metadata); err != nil {
		return nil, err
	}

	id, audio := d.subChunk()
	if d.err != nil {
		return nil, d.err
	}

	switch {
	case id == ChunkTypeAudio:
		ir.Audio.Encoding = EncodingF16
	case id == ChunkTypeAudioFloat && r.version >= 2:
		ir.Audio.Encoding = EncodingFloat32
	default:
		return nil, fmt.Errorf("%w: unexpected audio sub-chunk %q in version %d", ErrInvalidChunk, id, r.version)
	}

	data, err := decodeAudio(audio, ir.Audio.Encoding, ir.Metadata.Channels, ir.Metadata.Length)
	if err != nil {
		return nil, err
	}

	ir.Audio.Data = data

	return ir, nil
}

func decodeMetadata(body []byte, meta *IRMetadata) error {
	d := decoder{buf: body}

	meta.SampleRate = math.Float64frombits(d.uint64())
	meta.Channels = int(d.uint32())
	meta.Length = int(d.uint32())
	meta.Name = d.string()
	meta.Description = d.string()
	meta.Category = d.string()

	tagCount := int(d.uint16())
	if d.err != nil {
		return d.err
	}

	meta.Tags = make([]string, 0, tagCount)
	for range tagCount {
		meta.Tags = append(meta.Tags, d.string())
	}

	return d.err
}

func decodeAudio(body []byte, enc Encoding, channels, length int) ([][]float32, error) {
	if channels <= 0 {
		if len(body) == 0 {
			return [][]float32{}, nil
		}

		return nil, fmt.Errorf("%w: %d channels", ErrInvalidAudio, channels)
	}

	if want := channels * length * enc.sampleSize(); len(body) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidAudio, len(body), want)
	}

	if enc == EncodingF16 {
		data, err := f16.DecodeInterleaved(body, channels)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
		}

		return data, nil
	}

	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, length)
	}

	pos := 0
	for i := range length {
		for ch := range data {
			data[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(body[pos:]))
			pos += 4
		}
	}

	return data, nil
}

// Close releases nothing; the caller owns the underlying reader.
func (r *Reader) Close() error {
	return nil
}

// ReadLibrary decodes a whole library.
func ReadLibrary(r io.ReadSeeker) (*IRLibrary, error) {
	reader, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	lib := &IRLibrary{
		Version: reader.version,
		IRs:     make([]*ImpulseResponse, 0, len(reader.index)),
	}

	for i := range reader.index {
		ir, err := reader.LoadIR(i)
		if err != nil {
			return nil, fmt.Errorf("failed to load IR %d: %w", i, err)
		}

		lib.IRs = append(lib.IRs, ir)
	}

	return lib, nil
}

func corrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrCorruptedData, err)
}

// decoder reads little endian fields from a chunk body. The first short
// read sets err; later reads return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrCorruptedData, n, len(d.buf))
		return nil
	}

	b := d.buf[:n]
	d.buf = d.buf[n:]

	return b
}

func (d *decoder) uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}

	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}

	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}

	return 0
}

func (d *decoder) string() string {
	n := int(d.uint16())
	return string(d.take(n))
}

func (d *decoder) subChunk() (string, []byte) {
	id := string(d.take(4))
	size := int(d.uint32())

	return id, d.take(size)
}
