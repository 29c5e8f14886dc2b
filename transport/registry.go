package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps broker names to their builders and declared capabilities.
// Names are matched case-insensitively, like PUBSUB_SYSTEM validation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	builder Builder
	caps    *Capabilities
}

// DefaultRegistry is the registry the built-in brokers register with.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a broker whose capabilities are unknown. Registering a name
// again replaces the previous builder.
func (r *Registry) Register(name string, builder Builder) {
	r.put(name, entry{builder: builder})
}

// RegisterWithCapabilities adds a broker together with its capabilities.
// Build refuses brokers declared without response fan-out.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.put(name, entry{builder: builder, caps: &caps})
}

func (r *Registry) put(name string, e entry) {
	if e.builder == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = e
}

// GetCapabilities returns the declared capabilities of name, or a value
// carrying only the name when none were declared.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normalizeName(name)]; ok && e.caps != nil {
		return *e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := normalizeName(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	// Every gateway instance must see the responses to its own requests.
	if e.caps != nil && !e.caps.SupportsFanout {
		return Transport{}, fmt.Errorf("transport %q cannot deliver responses to every gateway instance", name)
	}

	return e.builder(ctx, cfg, logger)
}

// Names returns the sorted list of registered broker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

// Register adds a broker to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a broker and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
