package dsp

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	vecmath "github.com/cwbudde/algo-vecmath"
)

const (
	defaultWetLevel = 0.3
	defaultDryLevel = 0.7

	// DefaultReverbBlockSize is the block size NewConvolutionReverb
	// prepares for. Hosts with a different period call Prepare.
	DefaultReverbBlockSize = 512

	// meterRelease is the time a peak meter needs to fall by 1/e.
	meterRelease = 0.3
)

// StateListener is notified about user-visible state changes. Methods are
// called synchronously from the goroutine that caused the change, or from
// the load worker for IR changes.
type StateListener interface {
	OnWetLevelChange(level float64)
	OnDryLevelChange(level float64)
	OnIRChange(index int, name string)
}

// atomicFloat is a float64 stored as bits.
type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// channelMeter holds decaying peak levels published to UI goroutines.
type channelMeter struct {
	input, output, reverb atomic.Uint32
}

func storePeak(dst *atomic.Uint32, peak, decay float32) {
	held := math.Float32frombits(dst.Load()) * decay
	dst.Store(math.Float32bits(max(peak, held)))
}

func loadPeak(src *atomic.Uint32) float32 {
	return math.Float32frombits(src.Load())
}

type irSelection struct {
	source string
	index  int
	name   string
}

// ConvolutionReverb mixes a Convolution with the dry signal. It adds
// smoothed wet and dry levels, peak meters, IR selection from libraries
// and state notifications for user interfaces.
//
// Process* must be called from one audio goroutine. All other methods are
// safe for concurrent use.
type ConvolutionReverb struct {
	conv       *Convolution
	sampleRate float64
	channels   int

	wetLevel atomicFloat
	dryLevel atomicFloat
	bypassed atomic.Bool

	// audio goroutine state, sized by Prepare
	wetRamp   linearRamp
	dryRamp   linearRamp
	wetGain   []float32
	dryGain   []float32
	wet       [][]float32
	planarIn  [][]float32
	planarOut [][]float32
	inView    [][]float32
	outView   [][]float32
	wetView   [][]float32
	peak      []float64
	maxBlock  int

	meters []channelMeter

	mu        sync.Mutex
	settings  IRSettings
	requested []irSelection // oldest first
	current   irSelection
	listeners []StateListener
}

// NewConvolutionReverb creates a reverb for channels channels at
// sampleRate, prepared for DefaultReverbBlockSize. The IR is a Dirac until
// one is loaded. opts configure the underlying Convolution.
func NewConvolutionReverb(sampleRate float64, channels int, opts ...Option) (*ConvolutionReverb, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidSpec, channels)
	}

	r := &ConvolutionReverb{
		sampleRate: sampleRate,
		channels:   channels,
		meters:     make([]channelMeter, channels),
		settings:   IRSettings{Stereo: true, Trim: true, Normalise: true},
		current:    irSelection{index: -1},
	}

	r.wetLevel.Store(defaultWetLevel)
	r.dryLevel.Store(defaultDryLevel)

	// Runs after any user option so both callbacks fire.
	opts = append(opts, func(c *config) {
		user := c.onLoad
		c.onLoad = func(res LoadResult) {
			r.loaded(res)

			if user != nil {
				user(res)
			}
		}
	})

	r.conv = NewConvolution(opts...)

	if err := r.Prepare(DefaultReverbBlockSize); err != nil {
		r.conv.Close()
		return nil, err
	}

	return r, nil
}

// Prepare rebuilds the engines for blocks of at most maxBlockSize frames.
// It must not run concurrently with Process.
func (r *ConvolutionReverb) Prepare(maxBlockSize int) error {
	spec := ProcessSpec{SampleRate: r.sampleRate, MaximumBlockSize: maxBlockSize, NumChannels: r.channels}

	if err := r.conv.Prepare(spec); err != nil {
		return err
	}

	r.maxBlock = maxBlockSize
	r.wetGain = make([]float32, maxBlockSize)
	r.dryGain = make([]float32, maxBlockSize)
	r.wet = makeSegments(r.channels, maxBlockSize)
	r.planarIn = makeSegments(r.channels, maxBlockSize)
	r.planarOut = makeSegments(r.channels, maxBlockSize)
	r.inView = make([][]float32, r.channels)
	r.outView = make([][]float32, r.channels)
	r.wetView = make([][]float32, r.channels)
	r.peak = make([]float64, maxBlockSize)

	r.wetRamp.reset(r.sampleRate, rampSeconds)
	r.dryRamp.reset(r.sampleRate, rampSeconds)
	wetTarget, dryTarget := r.targets()
	r.wetRamp.setCurrentAndTarget(wetTarget)
	r.dryRamp.setCurrentAndTarget(dryTarget)

	return nil
}

func (r *ConvolutionReverb) targets() (wet, dry float32) {
	if r.bypassed.Load() {
		return 0, 1
	}

	return float32(r.wetLevel.Load()), float32(r.dryLevel.Load())
}

// Process mixes the convolved input with the dry input into output
// (channels x frames). input and output may be the same buffers.
func (r *ConvolutionReverb) Process(input, output [][]float32) {
	numChannels := min(len(input), len(output), r.channels)
	if numChannels == 0 {
		return
	}

	numSamples := frameCount(input[:numChannels], output[:numChannels])

	for start := 0; start < numSamples; start += r.maxBlock {
		n := min(r.maxBlock, numSamples-start)

		for ch := range numChannels {
			r.inView[ch] = input[ch][start : start+n]
			r.outView[ch] = output[ch][start : start+n]
		}

		r.processBlock(r.inView[:numChannels], r.outView[:numChannels], n)
	}
}

// ProcessInterleaved processes interleaved frames of the prepared
// channel count in place.
func (r *ConvolutionReverb) ProcessInterleaved(buf []float32) {
	numFrames := len(buf) / r.channels

	for start := 0; start < numFrames; start += r.maxBlock {
		n := min(r.maxBlock, numFrames-start)
		frames := buf[start*r.channels : (start+n)*r.channels]

		for ch := range r.channels {
			in := r.planarIn[ch][:n]
			for i := range in {
				in[i] = frames[i*r.channels+ch]
			}

			r.inView[ch] = in
			r.outView[ch] = r.planarOut[ch][:n]
		}

		r.processBlock(r.inView, r.outView, n)

		for ch := range r.channels {
			out := r.planarOut[ch][:n]
			for i, v := range out {
				frames[i*r.channels+ch] = v
			}
		}
	}
}

func (r *ConvolutionReverb) processBlock(in, out [][]float32, n int) {
	decay := float32(math.Exp(-float64(n) / (meterRelease * r.sampleRate)))

	for ch := range in {
		storePeak(&r.meters[ch].input, r.peakOf(in[ch]), decay)
		r.wetView[ch] = r.wet[ch][:n]
	}

	wet := r.wetView[:len(in)]
	r.conv.Process(in, wet)

	wetTarget, dryTarget := r.targets()
	r.wetRamp.setTarget(wetTarget)
	r.dryRamp.setTarget(dryTarget)

	wetGain := r.wetGain[:n]
	dryGain := r.dryGain[:n]
	r.wetRamp.fill(wetGain)
	r.dryRamp.fill(dryGain)

	for ch := range in {
		dry, w, o := in[ch], wet[ch], out[ch]
		for i := range o {
			w[i] *= wetGain[i]
			o[i] = dry[i]*dryGain[i] + w[i]
		}

		storePeak(&r.meters[ch].reverb, r.peakOf(w), decay)
		storePeak(&r.meters[ch].output, r.peakOf(o), decay)
	}
}

// peakOf returns max |x|.
func (r *ConvolutionReverb) peakOf(x []float32) float32 {
	scratch := r.peak[:len(x)]
	for i, v := range x {
		scratch[i] = float64(v)
	}

	return float32(vecmath.MaxAbs(scratch))
}

// GetMetrics returns the decaying peak levels of channel ch.
func (r *ConvolutionReverb) GetMetrics(ch int) (inputLevel, outputLevel, reverbLevel float32) {
	if ch < 0 || ch >= len(r.meters) {
		return 0, 0, 0
	}

	m := &r.meters[ch]

	return loadPeak(&m.input), loadPeak(&m.output), loadPeak(&m.reverb)
}

// SetWetLevel sets the wet gain, clamped to [0, 1].
func (r *ConvolutionReverb) SetWetLevel(level float64) {
	level = clampLevel(level)
	if r.wetLevel.Load() == level {
		return
	}

	r.wetLevel.Store(level)

	for _, l := range r.snapshotListeners() {
		l.OnWetLevelChange(level)
	}
}

// GetWetLevel returns the wet gain.
func (r *ConvolutionReverb) GetWetLevel() float64 { return r.wetLevel.Load() }

// SetDryLevel sets the dry gain, clamped to [0, 1].
func (r *ConvolutionReverb) SetDryLevel(level float64) {
	level = clampLevel(level)
	if r.dryLevel.Load() == level {
		return
	}

	r.dryLevel.Store(level)

	for _, l := range r.snapshotListeners() {
		l.OnDryLevelChange(level)
	}
}

// GetDryLevel returns the dry gain.
func (r *ConvolutionReverb) GetDryLevel() float64 { return r.dryLevel.Load() }

func clampLevel(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}

	return min(1, max(0, v))
}

// SetIRSettings changes the preparation of IRs loaded afterwards.
func (r *ConvolutionReverb) SetIRSettings(s IRSettings) {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
}

// LoadImpulseResponse queues a WAV or AIFF file.
func (r *ConvolutionReverb) LoadImpulseResponse(path string) error {
	s := r.request(irSelection{source: path, index: -1, name: filepath.Base(path)})

	if err := r.conv.LoadImpulseResponseFromFile(path, s, 0); err != nil {
		return fmt.Errorf("failed to load IR %s: %w", path, err)
	}

	return nil
}

// LoadImpulseResponseFromLibrary queues an IR of the library file at
// path, selected by name or, when name is empty, by index.
func (r *ConvolutionReverb) LoadImpulseResponseFromLibrary(path, name string, index int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open IR library: %w", err)
	}
	defer f.Close()

	ir, entry, err := LoadLibraryIR(f, name, index)
	if err != nil {
		return err
	}

	return r.loadLibraryIR(ir, entry)
}

// LoadImpulseResponseFromBytes queues an IR of an in-memory library.
func (r *ConvolutionReverb) LoadImpulseResponseFromBytes(data []byte, name string, index int) error {
	ir, entry, err := loadLibraryBytes(data, name, index)
	if err != nil {
		return err
	}

	return r.loadLibraryIR(ir, entry)
}

// SwitchIR queues IR index of the library in data and returns its name.
func (r *ConvolutionReverb) SwitchIR(data []byte, index int) (string, error) {
	ir, entry, err := loadLibraryBytes(data, "", index)
	if err != nil {
		return "", err
	}

	if err := r.loadLibraryIR(ir, entry); err != nil {
		return "", err
	}

	return entry.Name, nil
}

func (r *ConvolutionReverb) loadLibraryIR(ir ImpulseResponse, entry IRIndexEntry) error {
	source := fmt.Sprintf("library:%d:%s", entry.Index, entry.Name)
	s := r.request(irSelection{source: source, index: entry.Index, name: entry.Name})

	return r.conv.loadSamples(source, ir.Samples, ir.SampleRate, s)
}

// request records sel as awaiting a load result and returns the settings
// to load it with.
func (r *ConvolutionReverb) request(sel irSelection) IRSettings {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requested = append(r.requested, sel)

	return r.settings
}

// loaded runs on the load worker, or inside Prepare. Superseded requests
// never report, so a result also retires every older selection.
func (r *ConvolutionReverb) loaded(res LoadResult) {
	r.mu.Lock()

	match := -1
	for i := len(r.requested) - 1; i >= 0; i-- {
		if r.requested[i].source == res.Source {
			match = i
			break
		}
	}

	if match < 0 {
		r.mu.Unlock()
		return
	}

	sel := r.requested[match]
	r.requested = append(r.requested[:0], r.requested[match+1:]...)

	if res.Err != nil {
		r.mu.Unlock()
		return
	}

	r.current = sel
	listeners := append([]StateListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnIRChange(sel.index, sel.name)
	}
}

// CurrentIR returns the library index (-1 for files or none) and name of
// the IR in use.
func (r *ConvolutionReverb) CurrentIR() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current.index, r.current.name
}

// AddStateListener registers l for state notifications.
func (r *ConvolutionReverb) AddStateListener(l StateListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *ConvolutionReverb) snapshotListeners() []StateListener {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]StateListener(nil), r.listeners...)
}

// SetBypassed ramps to the unprocessed input (true) or back to the wet
// and dry mix. The convolution keeps running while bypassed.
func (r *ConvolutionReverb) SetBypassed(bypassed bool) { r.bypassed.Store(bypassed) }

// Bypassed reports the requested bypass state.
func (r *ConvolutionReverb) Bypassed() bool { return r.bypassed.Load() }

// Latency returns the latency of the wet path in samples.
func (r *ConvolutionReverb) Latency() int { return r.conv.Latency() }

// IRSize returns the length of the IR in use, in samples.
func (r *ConvolutionReverb) IRSize() int { return r.conv.CurrentIRSize() }

// SampleRate returns the processing rate.
func (r *ConvolutionReverb) SampleRate() float64 { return r.sampleRate }

// Channels returns the number of processed channels.
func (r *ConvolutionReverb) Channels() int { return r.channels }

// Reset clears the convolution state and meters. It must not run
// concurrently with Process.
func (r *ConvolutionReverb) Reset() {
	r.conv.Reset()

	for i := range r.meters {
		r.meters[i].input.Store(0)
		r.meters[i].output.Store(0)
		r.meters[i].reverb.Store(0)
	}
}

// Close stops the load worker.
func (r *ConvolutionReverb) Close() error {
	return r.conv.Close()
}
