package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vestigelabs/vestige/pkg/provider/embeddings"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by the Create methods when the
// requested provider name has no registered factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructors, one namespace per provider
// kind. The binary registers its supported backends at startup and the
// wiring code creates instances from [ProviderEntry] values.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	llmFactories  map[string]func(ProviderEntry) (llm.Provider, error)
	embdFactories map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llmFactories:  make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embdFactories: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM binds an LLM factory to name, replacing any previous binding.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmFactories[name] = factory
}

// RegisterEmbeddings binds an embeddings factory to name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embdFactories[name] = factory
}

// CreateLLM builds an LLM provider from entry using the factory registered
// under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llmFactories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings builds an embeddings provider from entry.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embdFactories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
