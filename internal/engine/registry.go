package engine

import (
	"fmt"
	"sync"
)

// Registry holds the configured engine variants and resolves them by
// name. Selection is configuration-driven; a primary engine can be
// paired with a lower-fidelity fallback that the controller switches to
// after repeated failures.
type Registry struct {
	mu         sync.RWMutex
	synth      map[string]SynthesisEngine
	anim       map[string]AnimationEngine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		synth: make(map[string]SynthesisEngine),
		anim:  make(map[string]AnimationEngine),
	}
}

// RegisterSynthesis adds a synthesis engine under its name.
func (r *Registry) RegisterSynthesis(e SynthesisEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synth[e.Name()] = e
}

// RegisterAnimation adds an animation engine under its name.
func (r *Registry) RegisterAnimation(e AnimationEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anim[e.Name()] = e
}

// Synthesis resolves a synthesis engine by name.
func (r *Registry) Synthesis(name string) (SynthesisEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.synth[name]
	if !ok {
		return nil, fmt.Errorf("unknown synthesis engine %q", name)
	}
	return e, nil
}

// Animation resolves an animation engine by name.
func (r *Registry) Animation(name string) (AnimationEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.anim[name]
	if !ok {
		return nil, fmt.Errorf("unknown animation engine %q", name)
	}
	return e, nil
}

// SynthesisChain resolves an ordered primary-then-fallback chain,
// skipping empty names.
func (r *Registry) SynthesisChain(names ...string) ([]SynthesisEngine, error) {
	var chain []SynthesisEngine
	for _, name := range names {
		if name == "" {
			continue
		}
		e, err := r.Synthesis(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, e)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no synthesis engines configured")
	}
	return chain, nil
}

// AnimationChain resolves an ordered primary-then-fallback chain,
// skipping empty names.
func (r *Registry) AnimationChain(names ...string) ([]AnimationEngine, error) {
	var chain []AnimationEngine
	for _, name := range names {
		if name == "" {
			continue
		}
		e, err := r.Animation(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, e)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no animation engines configured")
	}
	return chain, nil
}
