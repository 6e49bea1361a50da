// Package providers adapts external analysis backends to the worker's
// Provider interface. Backends are described by a YAML catalog and reached
// over HTTP with rate limiting and polling.
package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one analysis backend in the catalog.
type CatalogEntry struct {
	// Name is the identifier job configurations reference.
	Name string `yaml:"name"`

	// BaseURL is the root of the backend's HTTP API.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the backend's API key.
	// Empty means the backend is unauthenticated.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// RequestsPerSecond and Burst bound submission throughput to the backend.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`

	// PollInterval is the starting interval between status polls.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// Catalog is the full set of configured analysis backends.
type Catalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// Names returns the catalog's provider names as a membership set, used to
// validate job configurations at submission time.
func (c Catalog) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		names[p.Name] = struct{}{}
	}
	return names
}

// Validate rejects catalogs with missing or duplicate entries.
func (c Catalog) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("catalog has no providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("catalog entry missing name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate catalog entry %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("catalog entry %q missing base_url", p.Name)
		}
	}
	return nil
}

// CatalogLoader loads the provider catalog from a file on disk.
type CatalogLoader struct {
	path string
}

// NewCatalogLoader creates a loader for the catalog at the given path.
func NewCatalogLoader(path string) *CatalogLoader {
	return &CatalogLoader{path: path}
}

// Load reads and parses the catalog file, validating it before returning.
func (l *CatalogLoader) Load(ctx context.Context) (*Catalog, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider catalog: %w", err)
	}

	return &catalog, nil
}
