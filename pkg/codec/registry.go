package codec

import (
	"encoding/xml"
	"sync"

	"pairlink/pkg/stanza"
)

// ElementProvider is the type-erased view of a Provider held by a Registry.
type ElementProvider interface {
	Namespace() string
	ElementName() string
	ParseElement(d *xml.Decoder, start xml.StartElement) (stanza.Element, error)
}

type providerKey struct {
	namespace string
	name      string
}

// Registry maps (namespace, element-name) to the active provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[providerKey]ElementProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[providerKey]ElementProvider)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register makes p the active provider for its key, replacing any previous
// registration.
func (r *Registry) Register(p ElementProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerKey{p.Namespace(), p.ElementName()}] = p
}

// Unregister removes the provider for the key, if any.
func (r *Registry) Unregister(namespace, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, providerKey{namespace, name})
}

// Lookup returns the active provider for the key.
func (r *Registry) Lookup(namespace, name string) (ElementProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerKey{namespace, name}]
	return p, ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
