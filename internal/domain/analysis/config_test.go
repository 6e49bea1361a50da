package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	known := map[string]struct{}{
		"object-detection": {},
		"transcription":    {},
	}

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Providers: []ProviderSpec{
					{Name: "object-detection", Required: true},
					{Name: "transcription"},
				},
				ChunkDurationSeconds: 30,
			},
		},
		{
			name:    "no providers",
			config:  Config{ChunkDurationSeconds: 30},
			wantErr: "at least one provider",
		},
		{
			name: "empty provider name",
			config: Config{
				Providers:            []ProviderSpec{{Name: ""}},
				ChunkDurationSeconds: 30,
			},
			wantErr: "must not be empty",
		},
		{
			name: "duplicate provider",
			config: Config{
				Providers: []ProviderSpec{
					{Name: "transcription"},
					{Name: "transcription"},
				},
				ChunkDurationSeconds: 30,
			},
			wantErr: `duplicate provider "transcription"`,
		},
		{
			name: "unknown provider",
			config: Config{
				Providers:            []ProviderSpec{{Name: "face-blur"}},
				ChunkDurationSeconds: 30,
			},
			wantErr: `unknown provider "face-blur"`,
		},
		{
			name: "zero chunk duration",
			config: Config{
				Providers: []ProviderSpec{{Name: "transcription"}},
			},
			wantErr: "must be > 0",
		},
		{
			name: "negative chunk duration",
			config: Config{
				Providers:            []ProviderSpec{{Name: "transcription"}},
				ChunkDurationSeconds: -5,
			},
			wantErr: "must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate(known)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var vErr ValidationError
			assert.ErrorAs(t, err, &vErr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateWithoutCatalog(t *testing.T) {
	t.Parallel()

	// A nil catalog skips the known-provider check so the domain can validate
	// structure before the registry is consulted.
	cfg := Config{
		Providers:            []ProviderSpec{{Name: "anything-goes"}},
		ChunkDurationSeconds: 10,
	}
	assert.NoError(t, cfg.Validate(nil))
}

func TestConfig_ProviderLookup(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Providers: []ProviderSpec{
			{Name: "object-detection", Required: true},
			{Name: "transcription", Params: map[string]any{"language": "en"}},
		},
		ChunkDurationSeconds: 30,
	}

	assert.Equal(t, []string{"object-detection", "transcription"}, cfg.ProviderNames())

	spec, ok := cfg.Provider("transcription")
	require.True(t, ok)
	assert.Equal(t, "en", spec.Params["language"])

	_, ok = cfg.Provider("missing")
	assert.False(t, ok)
}
