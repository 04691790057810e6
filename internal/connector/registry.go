package connector

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tordrt/llmquery/internal/schema"
)

// Factory builds a connector for a descriptor
type Factory func(d Descriptor, opts Options) Connector

var (
	registryMu sync.RWMutex
	registry   = make(map[schema.Family]Factory)
)

// Register makes a connector factory available under a backend family.
// It is called from init functions of the backend files.
func Register(family schema.Family, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[family] = factory
}

// New creates a connector for the descriptor's backend family
func New(d Descriptor, opts Options) (Connector, error) {
	registryMu.RLock()
	factory, ok := registry[d.Family]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownFamilyError{Family: d.Family, Available: Families()}
	}
	return factory(d, opts.withDefaults()), nil
}

// Families returns the registered backend families, sorted
func Families() []schema.Family {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]schema.Family, 0, len(registry))
	for f := range registry {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnknownFamilyError is returned when no connector is registered for a family
type UnknownFamilyError struct {
	Family    schema.Family
	Available []schema.Family
}

func (e *UnknownFamilyError) Error() string {
	names := make([]string, len(e.Available))
	for i, f := range e.Available {
		names[i] = string(f)
	}
	return fmt.Sprintf("no connector for database type %q (available: %s)", e.Family, strings.Join(names, ", "))
}
