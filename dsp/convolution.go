package dsp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"irconv/pkg/fft"
	"irconv/pkg/irfile"
	"irconv/pkg/resampler"
)

const (
	// minLatency is the smallest non-zero latency and head size.
	minLatency = 64
	// reclaimSlots bounds the number of retired engines waiting for the
	// worker. When full, the audio thread drops its reference instead.
	reclaimSlots = 4
)

var (
	// ErrClosed is returned by operations on a closed Convolution.
	ErrClosed = errors.New("convolution closed")
	// ErrInvalidSpec indicates a process spec with non-positive fields.
	ErrInvalidSpec = errors.New("invalid process spec")
)

// ProcessSpec describes the stream a Convolution is prepared for.
type ProcessSpec struct {
	SampleRate       float64
	MaximumBlockSize int
	NumChannels      int
}

// DefaultProcessSpec is used until Prepare is called.
var DefaultProcessSpec = ProcessSpec{SampleRate: 44100, MaximumBlockSize: 128, NumChannels: 2}

func (s ProcessSpec) validate() error {
	if !validRate(s.SampleRate) || s.MaximumBlockSize <= 0 || s.NumChannels <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidSpec, s)
	}

	return nil
}

// LoadResult reports the outcome of a background load.
type LoadResult struct {
	Source  string
	IRSize  int // samples after preparation at the processing rate
	Latency int
	Err     error
}

type config struct {
	latency      int
	headSize     int
	maxPartition int
	factory      fft.Factory
	resampler    Resampler
	logger       *slog.Logger
	onLoad       func(LoadResult)
}

// Option configures a Convolution.
type Option func(*config)

// WithLatency runs the convolution with n samples of added latency. The
// value is rounded up to a power of two of at least 64; n <= 0 selects
// zero-latency processing.
func WithLatency(n int) Option {
	return func(c *config) { c.latency = roundLatency(n) }
}

// WithNonUniform enables non-uniform partitioning with a head of headSize
// samples, rounded like WithLatency. headSize <= 0 disables it.
func WithNonUniform(headSize int) Option {
	return func(c *config) { c.headSize = roundLatency(headSize) }
}

// WithMaxPartitionSize caps the block size of non-uniform tail partitions.
func WithMaxPartitionSize(n int) Option {
	return func(c *config) { c.maxPartition = n }
}

// WithFFTFactory overrides the platform FFT.
func WithFFTFactory(f fft.Factory) Option {
	return func(c *config) { c.factory = f }
}

// WithResampler sets the IR resampler.
func WithResampler(r Resampler) Option {
	return func(c *config) { c.resampler = r }
}

// WithLogger sets the logger used by the background worker.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithLoadCallback registers fn to be called from the worker goroutine
// after every load attempt.
func WithLoadCallback(fn func(LoadResult)) Option {
	return func(c *config) { c.onLoad = fn }
}

func roundLatency(n int) int {
	if n <= 0 {
		return 0
	}

	return max(minLatency, nextPowerOfTwo(n))
}

type loadRequest struct {
	generation uint64
	source     string
	settings   IRSettings

	// exactly one of samples, data or path is set
	samples    [][]float32
	sampleRate float64
	data       []byte
	path       string
	maxSamples int
}

// load decodes the request and applies the rate-independent
// preparation steps.
func (r *loadRequest) load() ([][]float32, float64, error) {
	var (
		samples [][]float32
		rate    float64
	)

	switch {
	case r.path != "":
		a, err := irfile.DecodeFile(r.path, r.maxSamples)
		if err != nil {
			return nil, 0, err
		}

		samples, rate = a.Channels, a.SampleRate
	case r.data != nil:
		a, err := irfile.DecodeBytes(r.data, r.maxSamples)
		if err != nil {
			return nil, 0, err
		}

		samples, rate = a.Channels, a.SampleRate
	default:
		samples, rate = r.samples, r.sampleRate
	}

	if !validRate(rate) {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSampleRate, rate)
	}

	return selectImpulseResponse(samples, r.settings), rate, nil
}

// Convolution applies an impulse response to a real-time stream. IRs are
// loaded by a background worker and handed to the audio goroutine through
// an atomic pointer; the audio goroutine crossfades from the old engine to
// the new one over 50 ms.
//
// Process must be called from a single goroutine and never concurrently
// with Prepare or Reset. Load methods, SetBypassed and the reporting
// accessors are safe from any goroutine.
type Convolution struct {
	cfg config

	// Owned by the audio goroutine.
	current   *MultichannelEngine
	previous  *MultichannelEngine
	crossover crossoverMixer
	bypass    bypassMixer
	inView    [][]float32
	outView   [][]float32
	maxBlock  int
	prepared  bool

	pending  atomic.Pointer[MultichannelEngine]
	bypassed atomic.Bool
	irSize   atomic.Int64
	latency  atomic.Int64

	// mu guards the cached IR and the spec engines are built for.
	mu         sync.Mutex
	spec       ProcessSpec
	ir         [][]float32 // selected channels, trimmed, at irRate
	irRate     float64
	normalise  bool
	appliedGen uint64

	// reqMu orders generation assignment with the queue handoff.
	reqMu      sync.Mutex
	generation atomic.Uint64
	requests   chan loadRequest
	reclaim    chan *MultichannelEngine

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConvolution creates an unprepared Convolution. Until Prepare is
// called Process copies its input to the output.
func NewConvolution(opts ...Option) *Convolution {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.factory == nil {
		cfg.factory = fft.PlatformFactory()
	}

	if cfg.resampler == nil {
		cfg.resampler = resampler.Default()
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	c := &Convolution{
		cfg:      cfg,
		spec:     DefaultProcessSpec,
		requests: make(chan loadRequest, 1),
		reclaim:  make(chan *MultichannelEngine, reclaimSlots),
		done:     make(chan struct{}),
	}

	c.irSize.Store(1)
	c.latency.Store(int64(cfg.latency))

	return c
}

// Prepare builds the engine for spec and starts the background worker.
// A load request still queued is applied synchronously first. Prepare
// allocates and must not run concurrently with Process.
func (c *Convolution) Prepare(spec ProcessSpec) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := spec.validate(); err != nil {
		return err
	}

	var queued *loadRequest

	c.reqMu.Lock()
	select {
	case req := <-c.requests:
		queued = &req
	default:
	}
	c.reqMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.spec = spec

	// Started after the drain so the first Prepare applies a request
	// queued before it. The worker only ever builds for a known spec.
	c.startOnce.Do(func() {
		c.wg.Add(1)

		go c.run()
	})

	var engine *MultichannelEngine

	if queued != nil && queued.generation > c.appliedGen {
		ir, rate, err := queued.load()
		if err == nil {
			engine, err = c.commitLocked(queued, ir, rate)
		}

		c.report(queued.source, engine, err)
	}

	if engine == nil {
		var err error

		engine, err = c.buildLocked(c.ir, c.irRate, c.normalise)
		if err != nil {
			return fmt.Errorf("failed to prepare convolution: %w", err)
		}
	}

	// An engine published for the previous spec must not be installed.
	c.pending.Store(nil)

	c.current = engine
	c.previous = nil
	c.maxBlock = spec.MaximumBlockSize
	c.inView = make([][]float32, spec.NumChannels)
	c.outView = make([][]float32, spec.NumChannels)

	c.crossover.prepare(spec)
	c.bypass.bypassed = c.bypassed.Load()
	c.bypass.prepare(spec)
	c.bypass.reset()

	c.storeReported(engine)
	c.prepared = true

	c.cfg.logger.Info("Convolution prepared",
		"sample_rate", spec.SampleRate,
		"block_size", spec.MaximumBlockSize,
		"channels", spec.NumChannels,
		"ir_size", engine.IRSize(),
		"latency", engine.Latency())

	return nil
}

// LoadImpulseResponse queues ir (channels x samples at sampleRate) for
// loading. The samples are copied before LoadImpulseResponse returns.
func (c *Convolution) LoadImpulseResponse(ir [][]float32, sampleRate float64, s IRSettings) error {
	return c.loadSamples("buffer", ir, sampleRate, s)
}

// loadSamples is LoadImpulseResponse with the source name reported in
// the LoadResult.
func (c *Convolution) loadSamples(source string, ir [][]float32, sampleRate float64, s IRSettings) error {
	if !validRate(sampleRate) {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, sampleRate)
	}

	return c.enqueue(loadRequest{
		source:     source,
		settings:   s,
		samples:    cloneChannels(ir),
		sampleRate: sampleRate,
	})
}

// LoadImpulseResponseFromFile queues a WAV or AIFF file for loading.
// size > 0 limits the number of samples read per channel.
func (c *Convolution) LoadImpulseResponseFromFile(path string, s IRSettings, size int) error {
	if path == "" {
		return errors.New("empty IR path")
	}

	return c.enqueue(loadRequest{source: path, settings: s, path: path, maxSamples: size})
}

// LoadImpulseResponseFromBytes queues an in-memory WAV or AIFF file. data
// must not be modified until the load has completed.
func (c *Convolution) LoadImpulseResponseFromBytes(data []byte, s IRSettings, size int) error {
	if len(data) == 0 {
		return irfile.ErrNoAudio
	}

	return c.enqueue(loadRequest{source: "memory", settings: s, data: data, maxSamples: size})
}

// enqueue replaces any queued request with req.
func (c *Convolution) enqueue(req loadRequest) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	req.generation = c.generation.Add(1)

	select {
	case <-c.requests:
	default:
	}

	c.requests <- req

	return nil
}

// Process convolves input into output (channels x samples). It never
// blocks or allocates. Channels beyond the prepared count are ignored.
func (c *Convolution) Process(input, output [][]float32) {
	numSamples := frameCount(input, output)

	if !c.prepared {
		copyChannels(output, input, numSamples)
		return
	}

	c.installPending()

	numIn := min(len(input), len(c.inView))
	numOut := min(len(output), len(c.outView))
	isBypassed := c.bypassed.Load()

	for start := 0; start < numSamples; start += c.maxBlock {
		n := min(c.maxBlock, numSamples-start)

		in := c.inView[:numIn]
		for ch := range in {
			in[ch] = input[ch][start : start+n]
		}

		out := c.outView[:numOut]
		for ch := range out {
			out[ch] = output[ch][start : start+n]
		}

		c.bypass.process(in, out, n, isBypassed, c)
	}
}

// processWet runs the engines for one chunk of at most maxBlock samples.
func (c *Convolution) processWet(input, output [][]float32, n int) {
	if c.crossover.process(input, output, n, c.current, c.previous) {
		c.retire(c.previous)
		c.previous = nil
	}
}

// installPending takes a published engine unless a crossfade is running.
func (c *Convolution) installPending() {
	if c.previous != nil || c.crossover.isFading() {
		return
	}

	engine := c.pending.Swap(nil)
	if engine == nil {
		return
	}

	c.previous = c.current
	c.current = engine
	c.crossover.beginTransition()
	c.storeReported(engine)
}

// retire hands an engine to the worker without blocking.
func (c *Convolution) retire(engine *MultichannelEngine) {
	if engine == nil {
		return
	}

	select {
	case c.reclaim <- engine:
	default:
	}
}

func (c *Convolution) storeReported(engine *MultichannelEngine) {
	c.irSize.Store(int64(engine.IRSize()))
	c.latency.Store(int64(engine.Latency()))
}

// SetBypassed toggles the bypass. The change ramps over 50 ms.
func (c *Convolution) SetBypassed(bypassed bool) { c.bypassed.Store(bypassed) }

// Bypassed reports the requested bypass state.
func (c *Convolution) Bypassed() bool { return c.bypassed.Load() }

// CurrentIRSize returns the length in samples of the IR the audio
// goroutine is using, after preparation.
func (c *Convolution) CurrentIRSize() int { return int(c.irSize.Load()) }

// Latency returns the processing latency in samples.
func (c *Convolution) Latency() int { return int(c.latency.Load()) }

// Reset clears the engine state and finishes any crossfade. It must not
// run concurrently with Process.
func (c *Convolution) Reset() {
	if c.current != nil {
		c.current.Reset()
	}

	if c.previous != nil {
		c.retire(c.previous)
		c.previous = nil
	}

	c.crossover.reset()
	c.bypass.bypassed = c.bypassed.Load()
	c.bypass.reset()
}

// Close stops the background worker. Pending loads are dropped. Close is
// idempotent.
func (c *Convolution) Close() error {
	c.closeOnce.Do(func() {
		c.reqMu.Lock()
		c.closed.Store(true)
		c.reqMu.Unlock()

		close(c.done)
		c.wg.Wait()
	})

	return nil
}

func (c *Convolution) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			c.handle(&req)
		case engine := <-c.reclaim:
			c.release(engine)
		}
	}
}

// handle decodes and builds one request on the worker goroutine.
func (c *Convolution) handle(req *loadRequest) {
	if req.generation != c.generation.Load() {
		c.cfg.logger.Debug("Skipping superseded IR load", "source", req.source)
		return
	}

	ir, rate, err := req.load()
	if err != nil {
		c.report(req.source, nil, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Prepare may have applied this or a newer request meanwhile.
	if req.generation <= c.appliedGen {
		return
	}

	engine, err := c.buildLocked(ir, rate, req.settings.Normalise)
	if err != nil {
		c.report(req.source, nil, fmt.Errorf("failed to build engine: %w", err))
		return
	}

	// A newer request arrived while building. The cache keeps the IR that
	// is live or published.
	if req.generation != c.generation.Load() {
		c.cfg.logger.Debug("Discarding superseded IR engine", "source", req.source)
		return
	}

	c.cacheLocked(req, ir, rate)

	if old := c.pending.Swap(engine); old != nil {
		c.release(old)
	}

	c.report(req.source, engine, nil)
}

// commitLocked builds an engine for a request drained by Prepare and, on
// success, makes ir the cached IR. The cache is untouched on failure.
// c.mu must be held.
func (c *Convolution) commitLocked(req *loadRequest, ir [][]float32, rate float64) (*MultichannelEngine, error) {
	engine, err := c.buildLocked(ir, rate, req.settings.Normalise)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	c.cacheLocked(req, ir, rate)

	return engine, nil
}

// cacheLocked records ir as the IR that Prepare rebuilds from. c.mu must
// be held.
func (c *Convolution) cacheLocked(req *loadRequest, ir [][]float32, rate float64) {
	c.ir = ir
	c.irRate = rate
	c.normalise = req.settings.Normalise
	c.appliedGen = req.generation
}

// buildLocked creates an engine set for ir at the current spec. A nil ir
// yields a one-sample Dirac. c.mu must be held.
func (c *Convolution) buildLocked(ir [][]float32, irRate float64, normalise bool) (*MultichannelEngine, error) {
	spec := c.spec

	if ir == nil {
		ir = [][]float32{{1}}
		irRate = spec.SampleRate
		normalise = false
	}

	conformed, err := conformImpulseResponse(ir, irRate, spec.SampleRate, normalise, c.cfg.resampler)
	if err != nil {
		return nil, err
	}

	zeroDelay := c.cfg.latency == 0

	bufferSize := spec.MaximumBlockSize
	if !zeroDelay {
		bufferSize = nextPowerOfTwo(max(spec.MaximumBlockSize, c.cfg.latency))
	}

	return NewMultichannelEngine(conformed, EngineConfig{
		MaxBlockSize: spec.MaximumBlockSize,
		BufferSize:   bufferSize,
		HeadSize:     c.cfg.headSize,
		MaxPartition: c.cfg.maxPartition,
		ZeroDelay:    zeroDelay,
		Channels:     spec.NumChannels,
		Factory:      c.cfg.factory,
	})
}

// release drops the last reference to an engine off the audio goroutine.
func (c *Convolution) release(engine *MultichannelEngine) {
	c.cfg.logger.Debug("Released convolution engine", "ir_size", engine.IRSize())
}

func (c *Convolution) report(source string, engine *MultichannelEngine, err error) {
	result := LoadResult{Source: source, Err: err}

	if engine != nil {
		result.IRSize = engine.IRSize()
		result.Latency = engine.Latency()
	}

	if err != nil {
		c.cfg.logger.Error("IR load failed", "source", source, "error", err)
	} else {
		c.cfg.logger.Info("IR loaded", "source", source, "ir_size", result.IRSize, "latency", result.Latency)
	}

	if c.cfg.onLoad != nil {
		c.cfg.onLoad(result)
	}
}

// frameCount returns the number of samples every channel can hold.
func frameCount(input, output [][]float32) int {
	if len(input) == 0 || len(output) == 0 {
		return 0
	}

	n := len(input[0])
	for _, ch := range input[1:] {
		n = min(n, len(ch))
	}

	for _, ch := range output {
		n = min(n, len(ch))
	}

	return n
}
