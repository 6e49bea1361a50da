package otel

import (
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder drops spans for excluded routes (health probes and the
// like) and applies probability sampling to everything else.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements sdktrace.Sampler.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for endpoint := range ee.endpoints {
		if strings.Contains(params.Name, endpoint) {
			return sdktrace.SamplingResult{Decision: sdktrace.Drop}
		}
	}

	return ee.probability.ShouldSample(params)
}

// Description implements sdktrace.Sampler.
func (ee endpointExcluder) Description() string { return "endpointExcluder" }
