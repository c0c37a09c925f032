package fft

import (
	"fmt"
	"sync"

	"github.com/cwbudde/algo-vecmath/cpu"
)

// Provider describes one FFT implementation that can be selected at runtime.
type Provider struct {
	// Name identifies the provider (e.g. "algofft", "gonum").
	Name string

	// Priority orders compatible providers; higher wins.
	Priority int

	// SIMDLevel is the instruction set the provider requires.
	SIMDLevel cpu.SIMDLevel

	// Realtime marks providers whose transforms never allocate after
	// construction. Only realtime providers are returned by Lookup.
	Realtime bool

	// New constructs a transform of the given size.
	New Factory
}

// Registry holds providers sorted by descending priority.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	sorted    bool
}

// NewRegistry returns a registry containing the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}

	return r
}

// Default returns a new registry with the built-in providers.
func Default() *Registry {
	return NewRegistry(AlgoFFTProvider(), GonumProvider(), GoDSPProvider())
}

// Register adds a provider. Registering a provider with an existing name
// replaces the previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.providers {
		if r.providers[i].Name == p.Name {
			r.providers[i] = p
			r.sorted = false

			return
		}
	}

	r.providers = append(r.providers, p)
	r.sorted = false
}

// Lookup returns the highest-priority realtime provider supported by the
// given CPU features.
func (r *Registry) Lookup(features cpu.Features) (Provider, bool) {
	r.sortIfNeeded()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if !p.Realtime || p.New == nil {
			continue
		}

		if cpu.Supports(features, p.SIMDLevel) {
			return p, true
		}
	}

	return Provider{}, false
}

// ByName returns the provider registered under name.
func (r *Registry) ByName(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.Name == name {
			return p, true
		}
	}

	return Provider{}, false
}

// List returns a copy of all providers, highest priority first.
func (r *Registry) List() []Provider {
	r.sortIfNeeded()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, len(r.providers))
	copy(out, r.providers)

	return out
}

// Factory returns the factory of the best provider for features.
func (r *Registry) Factory(features cpu.Features) (Factory, error) {
	p, ok := r.Lookup(features)
	if !ok {
		return nil, ErrNoProvider
	}

	return p.New, nil
}

func (r *Registry) sortIfNeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sorted {
		return
	}

	// Insertion sort keeps registration order among equal priorities.
	for i := 1; i < len(r.providers); i++ {
		key := r.providers[i]
		j := i - 1

		for j >= 0 && r.providers[j].Priority < key.Priority {
			r.providers[j+1] = r.providers[j]
			j--
		}

		r.providers[j+1] = key
	}

	r.sorted = true
}

// PlatformFactory selects the best realtime provider for the running CPU.
// The choice is made once per call; engines keep the returned factory.
func PlatformFactory() Factory {
	f, err := Default().Factory(cpu.DetectFeatures())
	if err != nil {
		// The algo-fft provider has no SIMD requirement, so this only
		// happens if the default set is changed.
		return AlgoFFTProvider().New
	}

	return f
}

// NewFactory returns the factory of a built-in provider by name.
func NewFactory(name string) (Factory, error) {
	p, ok := Default().ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	if p.New == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotReady, name)
	}

	return p.New, nil
}
