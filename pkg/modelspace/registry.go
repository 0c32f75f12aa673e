// Package modelspace tracks the embedding extractors the engine knows how to
// work with.
//
// An extractor is identified by name and described by a small capability
// record: output dimensionality, default distance metric, and the audio
// framing it expects (sample rate and window length). The registry is an
// explicit value injected at construction; nothing in the engine discovers
// extractors through ambient global state.
package modelspace

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metric enumerates the distance metrics a model space can default to.
type Metric string

// Supported metrics. Cosine is a similarity (higher = closer); euclidean is
// a distance (lower = closer). Callers must respect the sort direction.
const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

var supportedMetrics = map[Metric]struct{}{
	MetricCosine:    {},
	MetricEuclidean: {},
}

// ParseMetric normalizes and validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return MetricCosine, nil
	}
	if _, ok := supportedMetrics[m]; !ok {
		return "", fmt.Errorf("unsupported distance metric %q", s)
	}
	return m, nil
}

// MoreSimilar reports whether score a is more similar than score b under m.
func (m Metric) MoreSimilar(a, b float64) bool {
	if m == MetricEuclidean {
		return a < b
	}
	return a > b
}

// ModelSpec describes one embedding extractor's output space and audio framing.
type ModelSpec struct {
	Name          string
	Dimensions    int
	DefaultMetric Metric
	SampleRateHz  int
	WindowSeconds float64
}

// Built-in extractor names.
const (
	ModelBirdNET = "birdnet"
	ModelPerch   = "perch"
)

func (s ModelSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("model spec requires a name")
	}
	if s.Dimensions <= 0 {
		return fmt.Errorf("model %q: dimensions must be > 0", s.Name)
	}
	if _, ok := supportedMetrics[s.DefaultMetric]; !ok {
		return fmt.Errorf("model %q: unsupported default metric %q", s.Name, s.DefaultMetric)
	}
	return nil
}

// Registry maps extractor names to their capability records.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelSpec)}
}

// DefaultRegistry returns a registry pre-populated with the two built-in
// extractors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration of the built-ins cannot fail.
	_ = r.Register(ModelSpec{
		Name:          ModelBirdNET,
		Dimensions:    1024,
		DefaultMetric: MetricCosine,
		SampleRateHz:  48000,
		WindowSeconds: 3,
	})
	_ = r.Register(ModelSpec{
		Name:          ModelPerch,
		Dimensions:    1536,
		DefaultMetric: MetricEuclidean,
		SampleRateHz:  32000,
		WindowSeconds: 5,
	})
	return r
}

// Register adds or replaces a model spec after canonicalizing its name.
func (r *Registry) Register(spec ModelSpec) error {
	spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	if err := spec.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[spec.Name] = spec
	return nil
}

// Lookup returns the spec for a model name.
func (r *Registry) Lookup(name string) (ModelSpec, bool) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.models[key]
	return spec, ok
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelSpec, 0, len(r.models))
	for _, spec := range r.models {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
