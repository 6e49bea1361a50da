package analysis

import (
	"fmt"
	"time"
)

// ProviderSpec names one analysis backend requested for a job along with its
// free-form parameters. Required providers gate job success: if a required
// provider fails, the job fails even when siblings succeed.
type ProviderSpec struct {
	Name     string         `json:"name"`
	Required bool           `json:"required,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Config describes what a job should extract from an asset. It is immutable
// once attached to a job: the ordered provider set, chunking parameters and
// analysis goals are validated before dispatch and never change afterwards.
type Config struct {
	// Providers is the ordered set of analysis backends to fan out to.
	Providers []ProviderSpec `json:"providers"`

	// ChunkDurationSeconds controls how the asset is segmented before
	// submission to providers.
	ChunkDurationSeconds float64 `json:"chunk_duration_seconds"`

	// Goals are free-form tags describing what each provider should extract.
	Goals []string `json:"analysis_goals,omitempty"`

	// ProviderTimeout bounds each individual provider's submit-to-result
	// window. Zero means the orchestrator default applies.
	ProviderTimeout time.Duration `json:"provider_timeout,omitempty"`
}

// Validate checks the configuration against the set of known provider names.
// Duplicate provider entries and unknown providers are rejected here, before
// any state transition or dispatch.
func (c Config) Validate(knownProviders map[string]struct{}) error {
	if len(c.Providers) == 0 {
		return NewValidationError("providers", "at least one provider is required")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return NewValidationError("providers", "provider name must not be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return NewValidationError("providers", fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = struct{}{}

		if knownProviders != nil {
			if _, ok := knownProviders[p.Name]; !ok {
				return NewValidationError("providers", fmt.Sprintf("unknown provider %q", p.Name))
			}
		}
	}

	if c.ChunkDurationSeconds <= 0 {
		return NewValidationError("chunk_duration_seconds",
			fmt.Sprintf("must be > 0, got %f", c.ChunkDurationSeconds))
	}

	return nil
}

// ProviderNames returns the ordered provider names in the configuration.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

// Provider returns the spec for the named provider, if configured.
func (c Config) Provider(name string) (ProviderSpec, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderSpec{}, false
}
