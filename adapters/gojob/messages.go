package gojob

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
	job "github.com/goliatone/go-job"
)

const (
	JobIDSyncRun         = "erpsync.sync.run"
	JobIDSyncIncremental = "erpsync.sync.incremental"
	JobIDRetryFailed     = "erpsync.sync.retry_failed"
)

// DedupDrop drops a job whose idempotency key is already queued.
const DedupDrop job.DeduplicationPolicy = "drop"

// NewSyncJob encodes a run request as a go-job execution message. Requests in
// incremental mode use JobIDSyncIncremental.
func NewSyncJob(req sync.RunRequest) *job.ExecutionMessage {
	jobID := JobIDSyncRun
	if req.Mode == core.SyncModeIncremental {
		jobID = JobIDSyncIncremental
	}
	scope := req.Scope.Normalize()
	params := map[string]any{
		"entity_type": string(req.EntityType),
		"direction":   string(req.Direction),
		"mode":        string(req.Mode),
	}
	if req.BatchSize > 0 {
		params["batch_size"] = req.BatchSize
	}
	if scope.GroupID != "" {
		params["group_id"] = scope.GroupID
	}
	if scope.OrderID != "" {
		params["order_id"] = scope.OrderID
	}
	if scope.Name != "" {
		params["name"] = scope.Name
	}
	if req.WithItems {
		params["with_items"] = true
	}
	if req.DryRun {
		params["dry_run"] = true
	}
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     params,
		IdempotencyKey: syncIdempotencyKey(req, scope),
		DedupPolicy:    DedupDrop,
	}
}

func syncIdempotencyKey(req sync.RunRequest, scope core.Scope) string {
	parts := []string{string(req.EntityType), string(req.Direction), string(req.Mode)}
	for _, value := range []string{scope.GroupID, scope.OrderID, scope.Name} {
		if value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, ":")
}

// DecodeRunRequest reverses NewSyncJob. Parameters that went through a JSON
// queue backend arrive as float64 or string and are accepted as well.
func DecodeRunRequest(msg *job.ExecutionMessage) (sync.RunRequest, error) {
	if msg == nil {
		return sync.RunRequest{}, fmt.Errorf("gojob: execution message is required")
	}
	params := msg.Parameters
	entity, err := core.ParseEntityType(paramString(params, "entity_type"))
	if err != nil {
		return sync.RunRequest{}, err
	}
	direction, err := core.ParseDirection(paramString(params, "direction"))
	if err != nil {
		return sync.RunRequest{}, err
	}
	mode, err := core.ParseSyncMode(paramString(params, "mode"))
	if err != nil {
		return sync.RunRequest{}, err
	}
	if strings.TrimSpace(msg.JobID) == JobIDSyncIncremental {
		mode = core.SyncModeIncremental
	}
	batchSize, err := paramInt(params, "batch_size")
	if err != nil {
		return sync.RunRequest{}, err
	}
	return sync.RunRequest{
		EntityType: entity,
		Direction:  direction,
		Mode:       mode,
		BatchSize:  batchSize,
		Scope: core.Scope{
			GroupID: paramString(params, "group_id"),
			OrderID: paramString(params, "order_id"),
			Name:    paramString(params, "name"),
		}.Normalize(),
		WithItems: paramBool(params, "with_items"),
		DryRun:    paramBool(params, "dry_run"),
	}, nil
}

func NewRetryJob(filter core.FailedRecordFilter) *job.ExecutionMessage {
	params := map[string]any{}
	key := "all"
	if filter.EntityType != "" {
		params["entity_type"] = string(filter.EntityType)
		key = string(filter.EntityType)
	}
	if filter.Direction != "" {
		params["direction"] = string(filter.Direction)
		key += ":" + string(filter.Direction)
	}
	if filter.Limit > 0 {
		params["limit"] = filter.Limit
	}
	return &job.ExecutionMessage{
		JobID:          JobIDRetryFailed,
		ScriptPath:     JobIDRetryFailed,
		Parameters:     params,
		IdempotencyKey: "retry:" + key,
		DedupPolicy:    DedupDrop,
	}
}

func DecodeRetryFilter(msg *job.ExecutionMessage) (core.FailedRecordFilter, error) {
	if msg == nil {
		return core.FailedRecordFilter{}, fmt.Errorf("gojob: execution message is required")
	}
	filter := core.FailedRecordFilter{}
	if raw := paramString(msg.Parameters, "entity_type"); raw != "" {
		entity, err := core.ParseEntityType(raw)
		if err != nil {
			return core.FailedRecordFilter{}, err
		}
		filter.EntityType = entity
	}
	if raw := paramString(msg.Parameters, "direction"); raw != "" {
		direction, err := core.ParseDirection(raw)
		if err != nil {
			return core.FailedRecordFilter{}, err
		}
		filter.Direction = direction
	}
	limit, err := paramInt(msg.Parameters, "limit")
	if err != nil {
		return core.FailedRecordFilter{}, err
	}
	filter.Limit = limit
	return filter, nil
}

func paramString(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func paramInt(params map[string]any, key string) (int, error) {
	value, ok := params[key]
	if !ok || value == nil {
		return 0, nil
	}
	switch typed := value.(type) {
	case int:
		return typed, nil
	case int64:
		return int(typed), nil
	case float64:
		if typed != math.Trunc(typed) {
			return 0, fmt.Errorf("gojob: parameter %q must be an integer", key)
		}
		return int(typed), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0, fmt.Errorf("gojob: parameter %q: %w", key, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("gojob: parameter %q has unsupported type %T", key, value)
	}
}

func paramBool(params map[string]any, key string) bool {
	switch typed := params[key].(type) {
	case bool:
		return typed
	case string:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(typed))
		return parsed
	default:
		return false
	}
}
