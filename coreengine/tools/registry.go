package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// Registry maps capability names to factories. Registration happens at
// startup; the read path is safe for concurrent use by parallel runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	metadata  map[string]Metadata
	logger    logging.Logger
}

// NewRegistry creates an empty registry. A nil logger is replaced by a nop.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		metadata:  make(map[string]Metadata),
		logger:    logging.OrNop(logger),
	}
}

// Register probes the factory with a nil config solely to read metadata, then
// stores it under metadata.Name. Re-registering a name overwrites the
// previous binding and logs a warning naming old and new version.
func (r *Registry) Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil capability factory")
	}
	probe, err := factory(nil)
	if err != nil {
		return fmt.Errorf("probing capability factory: %w", err)
	}
	meta := probe.Metadata()
	if meta.Name == "" {
		return fmt.Errorf("capability metadata has an empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.metadata[meta.Name]; exists {
		r.logger.Warn("capability_overwritten",
			"name", meta.Name,
			"old_version", old.Version,
			"new_version", meta.Version)
	}
	r.factories[meta.Name] = factory
	r.metadata[meta.Name] = meta
	r.logger.Debug("capability_registered", "name", meta.Name, "version", meta.Version)
	return nil
}

// Get constructs a fresh capability instance with the supplied configuration.
// Capabilities are stateless across invocations; every Get builds a new one.
func (r *Registry) Get(name string, config map[string]any) (Capability, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{Name: name, Available: r.Names()}
	}
	c, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("constructing capability '%s': %w", name, err)
	}
	return c, nil
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListMetadata returns metadata for all registered capabilities sorted by
// name. With tags given, only capabilities whose tag set intersects the
// filter are included.
func (r *Registry) ListMetadata(tags ...string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		if len(tags) > 0 && !intersectsTags(meta, tags) {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear removes all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
	r.metadata = make(map[string]Metadata)
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

func intersectsTags(meta Metadata, tags []string) bool {
	for _, t := range tags {
		if meta.HasTag(t) {
			return true
		}
	}
	return false
}

// Ensure Registry satisfies Provider.
var _ Provider = (*Registry)(nil)

// =============================================================================
// Process-scoped default registry
// =============================================================================

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry(nil)
)

// Default returns the process-scoped registry. All capabilities must register
// before the first Get; tests reset it explicitly via ResetDefault.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the process-scoped registry, for wiring a registry
// built with a real logger at startup.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// ResetDefault installs a fresh empty registry. Tests touching the default
// registry call this in setup or teardown.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry(nil)
}
