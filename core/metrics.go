package core

import "context"

// Metric keys emitted by the engine. Operation metrics come from
// Telemetry.ObserveOperation as <operation>.total and <operation>.duration_ms
// for the sync.run, sync.batch, sync.retry and connection.test operations.
// Record outcomes are counted once per processed record under
// sync.record.<outcome>. Every key is tagged with entity_type and direction
// when known.
const (
	MetricRecordPrefix   = "sync.record."
	MetricTotalSuffix    = ".total"
	MetricDurationSuffix = ".duration_ms"
)

// RecordOutcomeMetric is the counter key for one record outcome, for example
// sync.record.created.
func RecordOutcomeMetric(outcome Outcome) string {
	if !outcome.IsValid() {
		return MetricRecordPrefix + "unknown"
	}
	return MetricRecordPrefix + string(outcome)
}

// NopMetricsRecorder discards everything. Telemetry treats a nil recorder the
// same way.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// cloneTags hands recorders a copy so callers may reuse their tag maps.
func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
