package dsp

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/delay"

	"irconv/pkg/fft"
)

// maxEngineChannels is the number of channels with their own engines.
// Further output channels copy channel 0.
const maxEngineChannels = 2

// EngineConfig configures a MultichannelEngine.
type EngineConfig struct {
	// MaxBlockSize is the largest host block passed to Process.
	MaxBlockSize int
	// BufferSize is the head block size. Defaults to MaxBlockSize.
	BufferSize int
	// HeadSize > 0 enables non-uniform partitioning.
	HeadSize int
	// MaxPartition caps the tail block size (<= 0: no cap).
	MaxPartition int
	// ZeroDelay runs the head without added latency.
	ZeroDelay bool
	// Channels is the number of processed channels (1 or 2).
	Channels int
	// Factory creates the transforms for every engine.
	Factory fft.Factory
}

// MultichannelEngine is an immutable set of engines for one impulse
// response: a head engine per channel plus optional tail partitions.
//
// Tails run in added-latency mode. A tail with offset o and block size b
// emits its first tap b samples after its input; it must appear o+L
// samples after the host input, where L is the head latency. Tails are
// therefore fed the input delayed by o+L-b samples, which PlanPartitions
// makes equal to L for every tail.
type MultichannelEngine struct {
	head   []*ConvolutionEngine
	tails  [][]*ConvolutionEngine
	delays []*delay.Line

	partitions []Partition

	tailInput  []float32
	tailOutput []float32
	tailSum    []float32

	latency      int
	irSize       int
	maxBlockSize int
	zeroDelay    bool
}

// NewMultichannelEngine builds the engines for ir (channels x samples).
// Engine channel ch reads IR channel min(len(ir)-1, ch), so a mono IR is
// shared by both channels. An empty IR is treated as a Dirac.
func NewMultichannelEngine(ir [][]float32, cfg EngineConfig) (*MultichannelEngine, error) {
	if cfg.MaxBlockSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBlockSize, cfg.MaxBlockSize)
	}

	if cfg.Factory == nil {
		return nil, ErrNoTransform
	}

	if len(ir) == 0 {
		ir = [][]float32{{1}}
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = cfg.MaxBlockSize
	}

	headSize := cfg.HeadSize
	if headSize > 0 {
		headSize = nextPowerOfTwo(headSize)
	}

	irSize := len(ir[0])
	numChannels := min(maxEngineChannels, max(1, cfg.Channels))

	m := &MultichannelEngine{
		head:         make([]*ConvolutionEngine, numChannels),
		tails:        make([][]*ConvolutionEngine, numChannels),
		delays:       make([]*delay.Line, numChannels),
		partitions:   PlanPartitions(irSize, headSize, bufferSize, cfg.MaxPartition),
		irSize:       irSize,
		maxBlockSize: cfg.MaxBlockSize,
		zeroDelay:    cfg.ZeroDelay,
	}

	// The head engine rounds its block size up to a power of two.
	if !cfg.ZeroDelay {
		m.latency = nextPowerOfTwo(bufferSize)
	}

	for ch := range numChannels {
		samples := ir[min(len(ir)-1, ch)]

		for i, p := range m.partitions {
			end := min(p.Offset+p.Length, len(samples))
			start := min(p.Offset, end)

			engine, err := NewConvolutionEngine(samples[start:end], p.BlockSize, cfg.Factory)
			if err != nil {
				return nil, fmt.Errorf("failed to create engine for channel %d partition %d: %w", ch, i, err)
			}

			if i == 0 {
				m.head[ch] = engine
			} else {
				m.tails[ch] = append(m.tails[ch], engine)
			}
		}

		if len(m.tails[ch]) > 0 && m.latency > 0 {
			line, err := delay.New(m.latency)
			if err != nil {
				return nil, fmt.Errorf("failed to create tail delay: %w", err)
			}

			m.delays[ch] = line
		}
	}

	if len(m.partitions) > 1 {
		m.tailInput = make([]float32, cfg.MaxBlockSize)
		m.tailOutput = make([]float32, cfg.MaxBlockSize)
		m.tailSum = make([]float32, cfg.MaxBlockSize)
	}

	return m, nil
}

// Process convolves input into output (channels x samples). Work is split
// into chunks of at most MaxBlockSize samples. Output channels without an
// engine receive a copy of channel 0. input and output may alias
// channel-wise.
func (m *MultichannelEngine) Process(input, output [][]float32) {
	numChannels := min(len(m.head), len(input), len(output))
	if numChannels == 0 {
		return
	}

	numSamples := len(output[0])
	for ch := range numChannels {
		numSamples = min(numSamples, len(input[ch]), len(output[ch]))
	}

	for start := 0; start < numSamples; start += m.maxBlockSize {
		n := min(m.maxBlockSize, numSamples-start)

		for ch := range numChannels {
			m.processChannel(ch, input[ch][start:start+n], output[ch][start:start+n])
		}
	}

	for ch := numChannels; ch < len(output); ch++ {
		copy(output[ch][:min(numSamples, len(output[ch]))], output[0][:numSamples])
	}
}

func (m *MultichannelEngine) processChannel(ch int, in, out []float32) {
	n := len(in)
	tails := m.tails[ch]

	// Tails read the input before the head may overwrite an aliased output.
	if len(tails) > 0 {
		tailIn := in

		if line := m.delays[ch]; line != nil {
			tailIn = m.tailInput[:n]
			for i, x := range in {
				tailIn[i] = float32(line.Read(m.latency))
				line.Write(float64(x))
			}
		}

		sum := m.tailSum[:n]
		clear(sum)

		for _, tail := range tails {
			tail.ProcessSamplesWithAddedLatency(tailIn, m.tailOutput[:n])
			addInto(sum, m.tailOutput[:n])
		}
	}

	if m.zeroDelay {
		m.head[ch].ProcessSamples(in, out)
	} else {
		m.head[ch].ProcessSamplesWithAddedLatency(in, out)
	}

	if len(tails) > 0 {
		addInto(out, m.tailSum[:n])
	}
}

// Reset clears the state of every engine and delay line.
func (m *MultichannelEngine) Reset() {
	for ch := range m.head {
		m.head[ch].Reset()

		for _, tail := range m.tails[ch] {
			tail.Reset()
		}

		if m.delays[ch] != nil {
			m.delays[ch].Reset()
		}
	}
}

// Latency returns the delay in samples (0 in zero-delay mode).
func (m *MultichannelEngine) Latency() int { return m.latency }

// IRSize returns the length of the impulse response in samples.
func (m *MultichannelEngine) IRSize() int { return m.irSize }

// BlockSize returns the maximum host block size.
func (m *MultichannelEngine) BlockSize() int { return m.maxBlockSize }

// Channels returns the number of channels with their own engines.
func (m *MultichannelEngine) Channels() int { return len(m.head) }

// Partitions returns a copy of the partition plan.
func (m *MultichannelEngine) Partitions() []Partition {
	out := make([]Partition, len(m.partitions))
	copy(out, m.partitions)

	return out
}
