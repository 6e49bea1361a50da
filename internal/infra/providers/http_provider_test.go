package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/framesift/framesift/internal/app/analyzing"
	"github.com/framesift/framesift/pkg/common/logger"
)

func newTestProvider(t *testing.T, baseURL string) *HTTPProvider {
	t.Helper()
	entry := CatalogEntry{
		Name:         "transcription",
		BaseURL:      baseURL,
		PollInterval: 5 * time.Millisecond,
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewHTTPProvider(entry, http.DefaultClient, log, tracenoop.NewTracerProvider().Tracer("test"))
}

func testRequest() analyzing.AnalyzeRequest {
	return analyzing.AnalyzeRequest{
		JobID:                uuid.New(),
		AssetID:              uuid.New(),
		StorageLocator:       "s3://media/clips/test.mp4",
		DurationSeconds:      120.5,
		ChunkDurationSeconds: 30,
		Goals:                []string{"transcript"},
		Params:               map[string]any{"language": "en"},
	}
}

// fakeBackend simulates an asynchronous analysis API: a submission returns an
// ID and subsequent polls walk through the given status sequence.
type fakeBackend struct {
	t        *testing.T
	statuses []analysisStatus
	polls    atomic.Int64
	submits  atomic.Int64
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/analyses", func(w http.ResponseWriter, r *http.Request) {
		b.submits.Add(1)

		var req submitRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(b.t, req.JobID)
		assert.NotEmpty(b.t, req.StorageLocator)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(analysisStatus{AnalysisID: "an-123", Status: statusPending})
	})
	mux.HandleFunc("GET /v1/analyses/an-123", func(w http.ResponseWriter, r *http.Request) {
		i := int(b.polls.Add(1)) - 1
		if i >= len(b.statuses) {
			i = len(b.statuses) - 1
		}
		_ = json.NewEncoder(w).Encode(b.statuses[i])
	})
	return mux
}

func TestHTTPProvider_SubmitAndPoll(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{t: t, statuses: []analysisStatus{
		{AnalysisID: "an-123", Status: statusRunning, Fraction: 0.5},
		{AnalysisID: "an-123", Status: statusSucceeded, Result: []byte(`{"text":"hello"}`)},
	}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	p := newTestProvider(t, srv.URL)

	var fractions []float64
	req := testRequest()
	req.ReportProgress = func(fraction float64, note string) {
		fractions = append(fractions, fraction)
	}

	payload, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(payload))
	assert.Equal(t, int64(1), backend.submits.Load())
	assert.GreaterOrEqual(t, backend.polls.Load(), int64(2))
	assert.Contains(t, fractions, 0.5)
}

func TestHTTPProvider_BackendFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{t: t, statuses: []analysisStatus{
		{AnalysisID: "an-123", Status: statusFailed, Error: "unsupported codec"},
	}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec")
}

func TestHTTPProvider_RejectedSubmission(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHTTPProvider_DeadlineSurfacesAsContextError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{t: t, statuses: []analysisStatus{
		{AnalysisID: "an-123", Status: statusRunning},
	}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	p := newTestProvider(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := p.Analyze(ctx, testRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPProvider_AuthorizationHeader(t *testing.T) {
	t.Setenv("TEST_PROVIDER_API_KEY", "sekret")

	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(analysisStatus{AnalysisID: "an-123", Status: statusPending})
			return
		}
		_ = json.NewEncoder(w).Encode(analysisStatus{AnalysisID: "an-123", Status: statusSucceeded, Result: []byte(`{}`)})
	}))
	defer srv.Close()

	entry := CatalogEntry{
		Name:         "transcription",
		BaseURL:      srv.URL,
		APIKeyEnv:    "TEST_PROVIDER_API_KEY",
		PollInterval: 5 * time.Millisecond,
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	p := NewHTTPProvider(entry, http.DefaultClient, log, tracenoop.NewTracerProvider().Tracer("test"))

	_, err := p.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekret", gotAuth.Load())
}

func TestCatalogLoader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	catalogYAML := `
providers:
  - name: transcription
    base_url: https://transcribe.example.com
    api_key_env: TRANSCRIBE_API_KEY
    requests_per_second: 10
    burst: 20
    poll_interval: 5s
  - name: object-detection
    base_url: https://vision.example.com
`
	require.NoError(t, writeFile(path, catalogYAML))

	catalog, err := NewCatalogLoader(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog.Providers, 2)
	assert.Equal(t, "transcription", catalog.Providers[0].Name)
	assert.Equal(t, 10.0, catalog.Providers[0].RequestsPerSecond)
	assert.Equal(t, 5*time.Second, catalog.Providers[0].PollInterval)

	names := catalog.Names()
	assert.Contains(t, names, "transcription")
	assert.Contains(t, names, "object-detection")
}

func TestCatalogLoader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty", yaml: "providers: []", wantErr: "no providers"},
		{
			name: "duplicate",
			yaml: `
providers:
  - name: transcription
    base_url: https://a.example.com
  - name: transcription
    base_url: https://b.example.com
`,
			wantErr: "duplicate",
		},
		{
			name: "missing base url",
			yaml: `
providers:
  - name: transcription
`,
			wantErr: "missing base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "providers.yaml")
			require.NoError(t, writeFile(path, tt.yaml))

			_, err := NewCatalogLoader(path).Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	catalog := &Catalog{Providers: []CatalogEntry{
		{Name: "transcription", BaseURL: "https://transcribe.example.com"},
		{Name: "object-detection", BaseURL: "https://vision.example.com"},
	}}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	registry := NewRegistry(catalog, nil, log, tracenoop.NewTracerProvider().Tracer("test"))

	p, ok := registry.Get("transcription")
	require.True(t, ok)
	assert.Equal(t, "transcription", p.Name())

	_, ok = registry.Get("face-swap")
	assert.False(t, ok)

	assert.Equal(t, []string{"object-detection", "transcription"}, registry.Names())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
