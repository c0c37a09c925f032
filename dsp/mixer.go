package dsp

import "math"

// rampSeconds is the length of the engine crossfade and the bypass ramp.
const rampSeconds = 0.05

// linearRamp is a linearly smoothed gain value.
type linearRamp struct {
	current       float32
	target        float32
	step          float32
	countdown     int
	stepsToTarget int
}

// reset sets the ramp length and jumps to the target.
func (r *linearRamp) reset(sampleRate, seconds float64) {
	r.stepsToTarget = int(math.Floor(seconds * sampleRate))
	r.setCurrentAndTarget(r.target)
}

func (r *linearRamp) setCurrentAndTarget(v float32) {
	r.current = v
	r.target = v
	r.countdown = 0
}

func (r *linearRamp) setTarget(v float32) {
	if v == r.target {
		return
	}

	if r.stepsToTarget <= 0 {
		r.setCurrentAndTarget(v)
		return
	}

	r.target = v
	r.countdown = r.stepsToTarget
	r.step = (r.target - r.current) / float32(r.countdown)
}

// rampFrom starts a ramp from a to b.
func (r *linearRamp) rampFrom(a, b float32) {
	r.setCurrentAndTarget(a)
	r.setTarget(b)
}

func (r *linearRamp) next() float32 {
	if r.countdown <= 0 {
		return r.target
	}

	r.countdown--

	if r.countdown > 0 {
		r.current += r.step
	} else {
		r.current = r.target
	}

	return r.current
}

func (r *linearRamp) isSmoothing() bool {
	return r.countdown > 0
}

// fill writes the next len(dst) ramp values to dst.
func (r *linearRamp) fill(dst []float32) {
	for i := range dst {
		dst[i] = r.next()
	}
}

// crossoverMixer fades from the previous engine to the current one after
// an engine install.
type crossoverMixer struct {
	ramp  linearRamp
	gain  []float32
	mix   [][]float32
	views [][]float32
}

func (m *crossoverMixer) prepare(spec ProcessSpec) {
	m.ramp.reset(spec.SampleRate, rampSeconds)
	m.gain = make([]float32, spec.MaximumBlockSize)
	m.mix = makeSegments(spec.NumChannels, spec.MaximumBlockSize)
	m.views = make([][]float32, spec.NumChannels)
	m.reset()
}

func (m *crossoverMixer) reset() {
	m.ramp.setCurrentAndTarget(1)
}

func (m *crossoverMixer) beginTransition() {
	m.ramp.rampFrom(1, 0)
}

func (m *crossoverMixer) isFading() bool {
	return m.ramp.isSmoothing()
}

// process runs current into output. While fading, previous (or the dry
// input when previous is nil) is mixed in with the complementary gain.
// It reports whether a fade finished during this call. n is at most the
// prepared maximum block size.
func (m *crossoverMixer) process(input, output [][]float32, n int, current, previous *MultichannelEngine) bool {
	if !m.ramp.isSmoothing() {
		current.Process(input, output)
		return false
	}

	gain := m.gain[:n]
	m.ramp.fill(gain)

	channels := min(len(output), len(m.mix))
	mix := m.views[:channels]

	for ch := range mix {
		mix[ch] = m.mix[ch][:n]
		clear(mix[ch])
	}

	if previous != nil {
		previous.Process(input, mix)
	} else {
		for ch := range min(channels, len(input)) {
			copy(mix[ch], input[ch][:n])
		}
	}

	for ch := range mix {
		for i, g := range gain {
			mix[ch][i] *= g
		}
	}

	current.Process(input, output)

	for ch := range mix {
		out := output[ch][:n]
		for i, g := range gain {
			out[i] = out[i]*(1-g) + mix[ch][i]
		}
	}

	return !m.ramp.isSmoothing()
}

// wetProcessor produces the convolved signal for the bypass mixer.
type wetProcessor interface {
	processWet(input, output [][]float32, n int)
}

// bypassMixer ramps between the wet signal and the dry input when the
// bypass flag toggles. Bypassed steady state copies input to output.
type bypassMixer struct {
	dryVolume  linearRamp
	wetVolume  linearRamp
	dryGain    []float32
	wetGain    []float32
	dry        [][]float32
	sampleRate float64
	bypassed   bool
}

func (m *bypassMixer) prepare(spec ProcessSpec) {
	m.sampleRate = spec.SampleRate
	m.dryVolume.reset(spec.SampleRate, rampSeconds)
	m.wetVolume.reset(spec.SampleRate, rampSeconds)
	m.dryGain = make([]float32, spec.MaximumBlockSize)
	m.wetGain = make([]float32, spec.MaximumBlockSize)
	m.dry = makeSegments(spec.NumChannels, spec.MaximumBlockSize)
}

func (m *bypassMixer) reset() {
	target := float32(0)
	if m.bypassed {
		target = 1
	}

	m.dryVolume.setCurrentAndTarget(target)
	m.wetVolume.setCurrentAndTarget(1 - target)
}

func (m *bypassMixer) process(input, output [][]float32, n int, isBypassed bool, wet wetProcessor) {
	if m.dryVolume.isSmoothing() {
		channels := min(len(output), len(m.dry), len(input))

		for ch := range channels {
			copy(m.dry[ch][:n], input[ch][:n])
		}

		dryGain := m.dryGain[:n]
		wetGain := m.wetGain[:n]
		m.dryVolume.fill(dryGain)
		m.wetVolume.fill(wetGain)

		wet.processWet(input, output, n)

		for ch := range channels {
			out := output[ch][:n]
			dry := m.dry[ch][:n]

			for i := range out {
				out[i] = out[i]*wetGain[i] + dry[i]*dryGain[i]
			}
		}

		return
	}

	if m.bypassed {
		copyChannels(output, input, n)
	} else {
		wet.processWet(input, output, n)
	}

	if isBypassed != m.bypassed {
		m.bypassed = isBypassed

		if isBypassed {
			m.dryVolume.rampFrom(0, 1)
			m.wetVolume.rampFrom(1, 0)
		} else {
			m.dryVolume.rampFrom(1, 0)
			m.wetVolume.rampFrom(0, 1)
		}
	}
}

// copyChannels copies n samples per channel; output channels beyond the
// input copy input channel 0.
func copyChannels(output, input [][]float32, n int) {
	if len(input) == 0 {
		return
	}

	for ch := range output {
		copy(output[ch][:n], input[min(ch, len(input)-1)][:n])
	}
}
