package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/halcyonlabs/murmur/pkg/provider/batch"
	"github.com/halcyonlabs/murmur/pkg/provider/llm"
	"github.com/halcyonlabs/murmur/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	streaming map[string]func(ProviderEntry) (stt.Recognizer, error)
	batch     map[string]func(ProviderEntry) (batch.Transcriber, error)
	llm       map[string]func(ProviderEntry) (llm.Client, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		streaming: make(map[string]func(ProviderEntry) (stt.Recognizer, error)),
		batch:     make(map[string]func(ProviderEntry) (batch.Transcriber, error)),
		llm:       make(map[string]func(ProviderEntry) (llm.Client, error)),
	}
}

// RegisterStreaming registers a streaming recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStreaming(name string, factory func(ProviderEntry) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming[name] = factory
}

// RegisterBatch registers a batch transcriber factory under name.
func (r *Registry) RegisterBatch(name string, factory func(ProviderEntry) (batch.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch[name] = factory
}

// RegisterLLM registers an LLM client factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateStreaming instantiates a streaming recognizer using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateStreaming(entry ProviderEntry) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.streaming[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: streaming/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBatch instantiates a batch transcriber using the factory registered
// under entry.Name.
func (r *Registry) CreateBatch(entry ProviderEntry) (batch.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.batch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: batch/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM client using the factory registered under
// entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Client, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
