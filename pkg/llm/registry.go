package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	converrors "github.com/tombee/converse/pkg/errors"
)

var (
	// ErrNoDefaultProvider indicates no default provider has been set.
	ErrNoDefaultProvider = errors.New("no default provider configured")

	// ErrFactoryNotFound indicates no factory is registered for the provider.
	ErrFactoryNotFound = errors.New("provider factory not found")
)

// Credentials configures a provider at activation time.
type Credentials struct {
	// APIKey authenticates against the provider. Ollama ignores it.
	APIKey string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Model is the default model when requests leave Model empty.
	Model string
}

// ProviderFactory creates a Provider from credentials.
type ProviderFactory func(creds Credentials) (Provider, error)

// Registry manages LLM providers in two phases: factories register at
// import time, then configured providers activate at startup. Safe for
// concurrent use.
type Registry struct {
	mu              sync.RWMutex
	factories       map[string]ProviderFactory
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		providers: make(map[string]Provider),
	}
}

// RegisterFactory registers a factory under name. Registering the same
// name twice overwrites the previous factory.
func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Activate instantiates a provider from its registered factory.
// Activating an already-active provider is a no-op.
func (r *Registry) Activate(name string, creds Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFactoryNotFound, name)
	}
	if _, active := r.providers[name]; active {
		return nil
	}

	provider, err := factory(creds)
	if err != nil {
		return fmt.Errorf("activating provider %s: %w", name, err)
	}
	r.providers[name] = provider

	if r.defaultProvider == "" {
		r.defaultProvider = name
	}
	return nil
}

// Get retrieves an activated provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "provider", ID: name}
	}
	return p, nil
}

// GetDefault returns the default provider. The first activated
// provider becomes the default unless SetDefault overrides it.
func (r *Registry) GetDefault() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultProvider == "" {
		return nil, ErrNoDefaultProvider
	}
	p, ok := r.providers[r.defaultProvider]
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "provider", ID: r.defaultProvider}
	}
	return p, nil
}

// SetDefault sets the default provider by name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return &converrors.NotFoundError{Resource: "provider", ID: name}
	}
	r.defaultProvider = name
	return nil
}

// ListFactories returns registered factory names, sorted.
func (r *Registry) ListFactories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.factories)
}

// ListActive returns activated provider names, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.providers)
}

// HasFactory reports whether a factory is registered under name.
func (r *Registry) HasFactory(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// globalRegistry backs the package-level registration functions used
// by provider init() blocks.
var globalRegistry = NewRegistry()

// RegisterFactory registers a factory in the global registry.
func RegisterFactory(name string, factory ProviderFactory) {
	globalRegistry.RegisterFactory(name, factory)
}

// Activate instantiates a provider in the global registry.
func Activate(name string, creds Credentials) error {
	return globalRegistry.Activate(name, creds)
}

// Get retrieves an activated provider from the global registry.
func Get(name string) (Provider, error) {
	return globalRegistry.Get(name)
}

// GetDefault returns the global registry's default provider.
func GetDefault() (Provider, error) {
	return globalRegistry.GetDefault()
}

// SetDefault sets the default provider in the global registry.
func SetDefault(name string) error {
	return globalRegistry.SetDefault(name)
}

// ListFactories returns factory names from the global registry.
func ListFactories() []string {
	return globalRegistry.ListFactories()
}

// ListActive returns activated provider names from the global registry.
func ListActive() []string {
	return globalRegistry.ListActive()
}
