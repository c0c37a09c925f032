package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"irconv/dsp"
	"irconv/pkg/irfile"
)

const bytesPerSample = 4

// reverbStream is an io.Reader of float32 little-endian frames: the looped
// source run through the reverb. oto pulls it from its own goroutine, which
// makes that goroutine the audio thread.
type reverbStream struct {
	reverb   *dsp.ConvolutionReverb
	source   [][]float32 // channels x frames, looped
	channels int
	pos      int
	buf      []float32 // interleaved, one block
	paused   atomic.Bool
}

func newReverbStream(reverb *dsp.ConvolutionReverb, source [][]float32, blockFrames int) (*reverbStream, error) {
	if len(source) == 0 || len(source[0]) == 0 {
		return nil, irfile.ErrNoAudio
	}

	channels := reverb.Channels()

	if err := reverb.Prepare(blockFrames); err != nil {
		return nil, fmt.Errorf("failed to prepare reverb: %w", err)
	}

	return &reverbStream{
		reverb:   reverb,
		source:   matchSourceChannels(source, channels),
		channels: channels,
		buf:      make([]float32, blockFrames*channels),
	}, nil
}

// matchSourceChannels maps source onto n channels, repeating the last
// source channel.
func matchSourceChannels(source [][]float32, n int) [][]float32 {
	out := make([][]float32, n)
	for ch := range out {
		out[ch] = source[min(ch, len(source)-1)]
	}

	return out
}

// SetPaused feeds silence to the reverb instead of the source, so the tail
// still rings out.
func (s *reverbStream) SetPaused(paused bool) { s.paused.Store(paused) }

// Paused reports whether the source is muted.
func (s *reverbStream) Paused() bool { return s.paused.Load() }

// Read fills p with whole frames.
func (s *reverbStream) Read(p []byte) (int, error) {
	frameBytes := s.channels * bytesPerSample
	blockFrames := len(s.buf) / s.channels
	paused := s.paused.Load()

	total := len(p) / frameBytes
	for done := 0; done < total; {
		n := min(blockFrames, total-done)
		block := s.buf[:n*s.channels]

		s.fill(block, n, paused)
		s.reverb.ProcessInterleaved(block)

		out := p[done*frameBytes:]
		for i, v := range block {
			binary.LittleEndian.PutUint32(out[i*bytesPerSample:], math.Float32bits(v))
		}

		done += n
	}

	return total * frameBytes, nil
}

func (s *reverbStream) fill(block []float32, n int, paused bool) {
	if paused {
		clear(block)
		return
	}

	length := len(s.source[0])

	for i := range n {
		for ch, samples := range s.source {
			block[i*s.channels+ch] = samples[s.pos]
		}

		s.pos++
		if s.pos == length {
			s.pos = 0
		}
	}
}

// clickTrain is the default source: a short decaying noise burst every
// period, so the reverb tail is audible between bursts.
func clickTrain(sampleRate float64, period time.Duration) [][]float32 {
	frames := max(1, int(period.Seconds()*sampleRate))
	burst := min(frames, int(0.01*sampleRate)+1)

	signal := make([]float32, frames)
	rng := rand.New(rand.NewSource(1))

	for i := range burst {
		env := math.Exp(-6 * float64(i) / float64(burst))
		signal[i] = float32(0.5 * env * (2*rng.Float64() - 1))
	}

	return [][]float32{signal}
}

// audioOutput plays a reverbStream through oto.
type audioOutput struct {
	ctx    *oto.Context
	player *oto.Player
}

func startAudio(stream *reverbStream, sampleRate int, bufferSize time.Duration) (*audioOutput, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: stream.channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   bufferSize,
	}

	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio output: %w", err)
	}

	<-ready

	player := ctx.NewPlayer(stream)
	player.Play()

	return &audioOutput{ctx: ctx, player: player}, nil
}

// Err returns the playback error, if any.
func (a *audioOutput) Err() error { return a.player.Err() }

func (a *audioOutput) Close() error {
	a.player.Pause()
	return a.player.Close()
}
