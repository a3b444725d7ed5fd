package collector

import (
	"sort"
	"sync"

	"github.com/heartline/alertd/internal/types"
)

// Sink accepts metric samples from a collector
type Sink interface {
	Record(sample types.MetricSample)
}

// Registry keeps the latest sample of every metric. It is the metric
// source consumed by the evaluator and is fed by the collectors and the
// metrics push endpoint.
type Registry struct {
	mu      sync.RWMutex
	samples map[string]types.MetricSample
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{samples: make(map[string]types.MetricSample)}
}

// Record stores sample unless a newer one is already known for the metric
func (r *Registry) Record(sample types.MetricSample) {
	if sample.MetricName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.samples[sample.MetricName]; ok && cur.Timestamp.After(sample.Timestamp) {
		return
	}
	r.samples[sample.MetricName] = sample
}

// Latest returns the most recent sample of metric
func (r *Registry) Latest(metric string) (types.MetricSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.samples[metric]
	return s, ok
}

// Snapshot returns every known sample ordered by metric name
func (r *Registry) Snapshot() []types.MetricSample {
	r.mu.RLock()
	out := make([]types.MetricSample, 0, len(r.samples))
	for _, s := range r.samples {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	return out
}
