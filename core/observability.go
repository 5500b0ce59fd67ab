package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Telemetry bundles the logger and metrics recorder shared by engine
// components. The zero value is usable and discards everything.
type Telemetry struct {
	Logger  Logger
	Metrics MetricsRecorder
}

// ObserveOperation logs the outcome of an operation and records
// `<prefix>.<operation>.total` and `.duration_ms`.
func (t Telemetry) ObserveOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"entity_type", "direction", "mode", "system"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	t.Count(ctx, operation+MetricTotalSuffix, 1, tags)
	t.Observe(ctx, operation+MetricDurationSuffix, float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		t.Error(ctx, operation+" failed", contextFields)
		return
	}
	t.Info(ctx, operation+" succeeded", contextFields)
}

func (t Telemetry) Info(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "info", message, fields)
}

func (t Telemetry) Warn(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "warn", message, fields)
}

func (t Telemetry) Error(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "error", message, fields)
}

func (t Telemetry) Debug(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "debug", message, fields)
}

func (t Telemetry) Count(ctx context.Context, name string, value int64, tags map[string]string) {
	if t.Metrics == nil {
		return
	}
	t.Metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t Telemetry) Observe(ctx context.Context, name string, value float64, tags map[string]string) {
	if t.Metrics == nil {
		return
	}
	t.Metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t Telemetry) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if t.Logger == nil {
		return
	}
	logger := t.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
