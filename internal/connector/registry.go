package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/leftbrainit/supasaasy/internal/config"
)

// ErrUnknownConnector is returned when an app_key does not resolve to a
// registered connector.
var ErrUnknownConnector = errors.New("unknown connector")

// Registry maps provider names to connector implementations. One global
// registry is initialized at startup; tests reset it explicitly.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry. Production code uses Default;
// tests build their own to stay isolated.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Default returns the process-wide registry.
func Default() *Registry {
	return globalRegistry
}

// Register adds a connector under its metadata name. Registering the same
// name twice panics; that is a wiring bug, not a runtime condition.
func (r *Registry) Register(c Connector) {
	name := c.Metadata().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.connectors[name]; dup {
		panic(fmt.Sprintf("connector %q registered twice", name))
	}
	r.connectors[name] = c
}

// Get resolves a connector by provider name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	return c, nil
}

// ForApp resolves the connector configured for an app.
func (r *Registry) ForApp(app *config.AppConfig) (Connector, error) {
	return r.Get(app.Connector)
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// Reset clears the registry. Tests only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = make(map[string]Connector)
}
