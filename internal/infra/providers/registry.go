package providers

import (
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/app/analyzing"
	"github.com/framesift/framesift/pkg/common/logger"
)

var _ analyzing.ProviderRegistry = (*Registry)(nil)

// Registry resolves provider names to their HTTP adapters. It is built once
// from the catalog at startup and read-only afterwards.
type Registry struct {
	providers map[string]analyzing.Provider
}

// NewRegistry builds a registry from the catalog, one HTTP adapter per entry.
func NewRegistry(catalog *Catalog, client *http.Client, log *logger.Logger, tracer trace.Tracer) *Registry {
	if client == nil {
		client = http.DefaultClient
	}

	providers := make(map[string]analyzing.Provider, len(catalog.Providers))
	for _, entry := range catalog.Providers {
		providers[entry.Name] = NewHTTPProvider(entry, client, log, tracer)
	}
	return &Registry{providers: providers}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (analyzing.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns all registered provider names, sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
