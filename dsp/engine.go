package dsp

import (
	"errors"
	"fmt"

	"irconv/pkg/fft"
)

var (
	// ErrInvalidBlockSize indicates a maximum block size <= 0.
	ErrInvalidBlockSize = errors.New("max block size must be > 0")
	// ErrNoTransform indicates a missing FFT factory.
	ErrNoTransform = errors.New("no FFT factory")
	// ErrEngineNotReady indicates an operation on an uninitialised engine.
	ErrEngineNotReady = errors.New("convolution engine not ready")
)

// ConvolutionEngine convolves one audio channel with one impulse response
// (or one partition of it) using uniform-partitioned overlap-add in the
// frequency domain.
//
// The impulse response is cut into segments of FFTSize-BlockSize samples.
// Each segment is transformed once at construction and stored in packed
// form. Incoming blocks are transformed into a ring of input segments;
// every output block is the sum of products between impulse segment i and
// the input segment i*indexStep blocks old.
//
// Sizes:
//   - BlockSize = nextPowerOfTwo(maxBlockSize)
//   - FFTSize = 2*BlockSize when BlockSize > 128, else 4*BlockSize
//   - NumSegments = max(1, ceil(len(ir) / (FFTSize-BlockSize)))
//   - NumInputSegments = NumSegments, or 3*NumSegments when BlockSize <= 128
//
// Small blocks use the larger FFT so that each transform covers three
// blocks of impulse, which is why the input ring is three times as long.
//
// All buffers are allocated by Initialize. ProcessSamples and
// ProcessSamplesWithAddedLatency never allocate. An engine is not safe for
// concurrent use.
type ConvolutionEngine struct {
	blockSize        int
	fftSize          int
	numSegments      int
	numInputSegments int

	factory   fft.Factory
	transform fft.Transform
	spectrum  []complex64 // FFTSize/2+1 bins, transform scratch

	currentSegment int // ring slot for the newest input block
	inputDataPos   int // samples accumulated in the current block

	bufferInput      []float32 // FFTSize, time-domain input accumulator
	bufferOutput     []float32 // FFTSize+1, packed output spectrum
	bufferTempOutput []float32 // FFTSize+1, packed contribution of older blocks
	bufferTime       []float32 // FFTSize, inverse transform of bufferOutput
	bufferOverlap    []float32 // FFTSize, overlap carried to the next block

	inputSegments   [][]float32 // NumInputSegments packed spectra
	impulseSegments [][]float32 // NumSegments packed spectra

	ready bool
}

// NewConvolutionEngine creates an engine for impulse with host blocks of
// at most maxBlockSize samples. An empty impulse yields a Dirac.
func NewConvolutionEngine(impulse []float32, maxBlockSize int, factory fft.Factory) (*ConvolutionEngine, error) {
	e := &ConvolutionEngine{}

	if err := e.Initialize(impulse, maxBlockSize, factory); err != nil {
		return nil, err
	}

	return e, nil
}

// Initialize computes the engine sizes, builds the impulse segments and
// allocates every buffer. On error the engine is left not ready.
func (e *ConvolutionEngine) Initialize(impulse []float32, maxBlockSize int, factory fft.Factory) error {
	e.ready = false

	if maxBlockSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBlockSize, maxBlockSize)
	}

	if factory == nil {
		return ErrNoTransform
	}

	blockSize := nextPowerOfTwo(maxBlockSize)

	fftSize := 4 * blockSize
	if blockSize > 128 {
		fftSize = 2 * blockSize
	}

	transform, err := factory(fftSize)
	if err != nil {
		return fmt.Errorf("failed to create FFT of size %d: %w", fftSize, err)
	}

	segmentSize := fftSize - blockSize
	numSegments := max(1, (len(impulse)+segmentSize-1)/segmentSize)

	numInputSegments := numSegments
	if blockSize <= 128 {
		numInputSegments = 3 * numSegments
	}

	e.blockSize = blockSize
	e.fftSize = fftSize
	e.numSegments = numSegments
	e.numInputSegments = numInputSegments
	e.factory = factory
	e.transform = transform
	e.spectrum = make([]complex64, fft.SpectrumLen(fftSize))

	e.bufferInput = make([]float32, fftSize)
	e.bufferOutput = make([]float32, fftSize+1)
	e.bufferTempOutput = make([]float32, fftSize+1)
	e.bufferTime = make([]float32, fftSize)
	e.bufferOverlap = make([]float32, fftSize)
	e.inputSegments = makeSegments(numInputSegments, fftSize+1)
	e.impulseSegments = makeSegments(numSegments, fftSize+1)

	// bufferTime doubles as the zero-padded scratch for each impulse chunk.
	ptr := 0
	for i, segment := range e.impulseSegments {
		clear(e.bufferTime)

		if i == 0 {
			e.bufferTime[0] = 1
		}

		if ptr < len(impulse) {
			copy(e.bufferTime, impulse[ptr:ptr+min(segmentSize, len(impulse)-ptr)])
		}

		if err := transform.Forward(e.spectrum, e.bufferTime); err != nil {
			return fmt.Errorf("failed to transform impulse segment %d: %w", i, err)
		}

		prepareForConvolution(segment, e.spectrum)

		ptr += segmentSize
	}

	e.Reset()
	e.ready = true

	return nil
}

// Reset clears all buffers and the input ring without deallocating.
func (e *ConvolutionEngine) Reset() {
	clear(e.bufferInput)
	clear(e.bufferOutput)
	clear(e.bufferTempOutput)
	clear(e.bufferTime)
	clear(e.bufferOverlap)

	for _, segment := range e.inputSegments {
		clear(segment)
	}

	e.currentSegment = 0
	e.inputDataPos = 0
}

// ProcessSamples convolves min(len(input), len(output)) samples with no
// added latency. Calls may use any length; block boundaries are handled
// internally. input and output may alias. Not ready => no-op.
func (e *ConvolutionEngine) ProcessSamples(input, output []float32) {
	if !e.ready {
		return
	}

	numSamples := min(len(input), len(output))
	indexStep := e.numInputSegments / e.numSegments
	processed := 0

	for processed < numSamples {
		inputDataWasEmpty := e.inputDataPos == 0
		pos := e.inputDataPos
		n := min(numSamples-processed, e.blockSize-pos)

		copy(e.bufferInput[pos:pos+n], input[processed:processed+n])

		segment := e.inputSegments[e.currentSegment]
		e.forward(segment, e.bufferInput)

		// The older blocks do not change until the next block starts.
		if inputDataWasEmpty {
			clear(e.bufferTempOutput)

			index := e.currentSegment
			for i := 1; i < e.numSegments; i++ {
				index += indexStep
				if index >= e.numInputSegments {
					index -= e.numInputSegments
				}

				convolutionProcessingAndAccumulate(e.inputSegments[index], e.impulseSegments[i], e.bufferTempOutput)
			}
		}

		copy(e.bufferOutput, e.bufferTempOutput)
		convolutionProcessingAndAccumulate(segment, e.impulseSegments[0], e.bufferOutput)
		e.inverse(e.bufferTime, e.bufferOutput)

		out := output[processed : processed+n]
		for k := range out {
			out[k] = e.bufferTime[pos+k] + e.bufferOverlap[pos+k]
		}

		processed += n
		e.inputDataPos += n

		if e.inputDataPos == e.blockSize {
			clear(e.bufferInput)
			e.inputDataPos = 0
			e.saveOverlap()
			e.currentSegment = e.previousSegment()
		}
	}
}

// ProcessSamplesWithAddedLatency convolves min(len(input), len(output))
// samples with exactly BlockSize samples of delay. The transforms only run
// once per full block, which makes this mode cheaper for large blocks.
func (e *ConvolutionEngine) ProcessSamplesWithAddedLatency(input, output []float32) {
	if !e.ready {
		return
	}

	numSamples := min(len(input), len(output))
	indexStep := e.numInputSegments / e.numSegments
	processed := 0

	for processed < numSamples {
		pos := e.inputDataPos
		n := min(numSamples-processed, e.blockSize-pos)

		copy(e.bufferInput[pos:pos+n], input[processed:processed+n])
		copy(output[processed:processed+n], e.bufferTime[pos:pos+n])

		processed += n
		e.inputDataPos += n

		if e.inputDataPos < e.blockSize {
			continue
		}

		segment := e.inputSegments[e.currentSegment]
		e.forward(segment, e.bufferInput)

		clear(e.bufferTempOutput)

		index := e.currentSegment
		for i := 1; i < e.numSegments; i++ {
			index += indexStep
			if index >= e.numInputSegments {
				index -= e.numInputSegments
			}

			convolutionProcessingAndAccumulate(e.inputSegments[index], e.impulseSegments[i], e.bufferTempOutput)
		}

		copy(e.bufferOutput, e.bufferTempOutput)
		convolutionProcessingAndAccumulate(segment, e.impulseSegments[0], e.bufferOutput)
		e.inverse(e.bufferTime, e.bufferOutput)

		addInto(e.bufferTime[:e.blockSize], e.bufferOverlap[:e.blockSize])
		clear(e.bufferInput)
		e.saveOverlap()

		e.currentSegment = e.previousSegment()
		e.inputDataPos = 0
	}
}

// CopyStateFrom deep-copies sizes, segments, buffers and indices from
// other. Storage is reused when the shapes match; the transform is rebuilt
// when the FFT size differs.
func (e *ConvolutionEngine) CopyStateFrom(other *ConvolutionEngine) error {
	if other == nil || !other.ready {
		return ErrEngineNotReady
	}

	if e == other {
		return nil
	}

	if e.transform == nil || e.fftSize != other.fftSize {
		transform, err := other.factory(other.fftSize)
		if err != nil {
			return fmt.Errorf("failed to create FFT of size %d: %w", other.fftSize, err)
		}

		e.transform = transform
		e.spectrum = make([]complex64, fft.SpectrumLen(other.fftSize))
	}

	e.blockSize = other.blockSize
	e.fftSize = other.fftSize
	e.numSegments = other.numSegments
	e.numInputSegments = other.numInputSegments
	e.factory = other.factory

	e.bufferInput = copyBuffer(e.bufferInput, other.bufferInput)
	e.bufferOutput = copyBuffer(e.bufferOutput, other.bufferOutput)
	e.bufferTempOutput = copyBuffer(e.bufferTempOutput, other.bufferTempOutput)
	e.bufferTime = copyBuffer(e.bufferTime, other.bufferTime)
	e.bufferOverlap = copyBuffer(e.bufferOverlap, other.bufferOverlap)
	e.inputSegments = copySegments(e.inputSegments, other.inputSegments)
	e.impulseSegments = copySegments(e.impulseSegments, other.impulseSegments)

	e.currentSegment = other.currentSegment
	e.inputDataPos = other.inputDataPos
	e.ready = true

	return nil
}

// BlockSize returns the internal processing block size.
func (e *ConvolutionEngine) BlockSize() int { return e.blockSize }

// FFTSize returns the transform size.
func (e *ConvolutionEngine) FFTSize() int { return e.fftSize }

// NumSegments returns the number of impulse segments.
func (e *ConvolutionEngine) NumSegments() int { return e.numSegments }

// NumInputSegments returns the capacity of the input ring.
func (e *ConvolutionEngine) NumInputSegments() int { return e.numInputSegments }

// IsReady reports whether the engine has been initialised.
func (e *ConvolutionEngine) IsReady() bool { return e.ready }

// saveOverlap folds the previous overlap into the middle of the finished
// block (only non-empty when FFTSize > 2*BlockSize) and keeps the block's
// tail for the next one.
func (e *ConvolutionEngine) saveOverlap() {
	b, n := e.blockSize, e.fftSize

	addInto(e.bufferTime[b:n-b], e.bufferOverlap[b:n-b])
	copy(e.bufferOverlap[:n-b], e.bufferTime[b:n])
}

func (e *ConvolutionEngine) previousSegment() int {
	if e.currentSegment == 0 {
		return e.numInputSegments - 1
	}

	return e.currentSegment - 1
}

// forward transforms samples into packed. Transform sizes are validated at
// construction; a failure here leaves a silent segment.
func (e *ConvolutionEngine) forward(packed, samples []float32) {
	if err := e.transform.Forward(e.spectrum, samples); err != nil {
		clear(packed)
		return
	}

	prepareForConvolution(packed, e.spectrum)
}

func (e *ConvolutionEngine) inverse(samples, packed []float32) {
	updateSymmetricFrequencyDomainData(e.spectrum, packed)

	if err := e.transform.Inverse(samples, e.spectrum); err != nil {
		clear(samples)
	}
}

func makeSegments(count, size int) [][]float32 {
	segments := make([][]float32, count)
	for i := range segments {
		segments[i] = make([]float32, size)
	}

	return segments
}

func copyBuffer(dst, src []float32) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}

	dst = dst[:len(src)]
	copy(dst, src)

	return dst
}

func copySegments(dst, src [][]float32) [][]float32 {
	if cap(dst) < len(src) {
		grown := make([][]float32, len(src))
		copy(grown, dst)
		dst = grown
	}

	dst = dst[:len(src)]
	for i := range src {
		dst[i] = copyBuffer(dst[i], src[i])
	}

	return dst
}

// nextPowerOfTwo returns the smallest power of two >= n (1 for n <= 1).
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}
