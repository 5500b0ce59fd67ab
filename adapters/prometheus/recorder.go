package prometheus

import (
	"context"
	"net/http"
	"sort"
	"strings"
	stdsync "sync"

	"github.com/goliatone/go-erpsync/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const DefaultNamespace = "erpsync"

// DurationBuckets suit run and batch durations recorded in milliseconds.
var DurationBuckets = []float64{5, 25, 100, 250, 1000, 5000, 15000, 60000, 300000}

// Recorder implements core.MetricsRecorder on a private registry. Each metric
// name gets its label set from the first observation; later observations fill
// missing labels with "" and drop unknown ones.
type Recorder struct {
	namespace  string
	registry   *prom.Registry
	mu         stdsync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prom.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prom.HistogramVec
	labels []string
}

func NewRecorder(namespace string) *Recorder {
	namespace = sanitize(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Recorder{
		namespace:  namespace,
		registry:   prom.NewRegistry(),
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	metric := sanitize(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.counters[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prom.NewCounterVec(prom.CounterOpts{
			Namespace: r.namespace,
			Name:      metric,
			Help:      "erpsync counter " + strings.TrimSpace(name),
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = &counterEntry{vec: vec, labels: labels}
		r.counters[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	metric := sanitize(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.histograms[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: r.namespace,
			Name:      metric,
			Help:      "erpsync histogram " + strings.TrimSpace(name),
			Buckets:   DurationBuckets,
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = &histogramEntry{vec: vec, labels: labels}
		r.histograms[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

// Handler serves the private registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		if name := sanitize(key); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return dedupe(names)
}

func labelValues(names []string, tags map[string]string) []string {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[sanitize(key)] = value
	}
	values := make([]string, len(names))
	for idx, name := range names {
		values[idx] = normalized[name]
	}
	return values
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for idx, value := range sorted {
		if idx > 0 && value == sorted[idx-1] {
			continue
		}
		out = append(out, value)
	}
	return out
}

// sanitize maps "sync.record.created" to "sync_record_created".
func sanitize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
