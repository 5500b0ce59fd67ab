package sqlstore

import (
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/uptrace/bun"
)

type idMappingRecord struct {
	bun.BaseModel `bun:"table:sync_id_mappings,alias:sim"`

	ID           string    `bun:"id,pk"`
	EntityType   string    `bun:"entity_type,notnull"`
	SourceSystem string    `bun:"source_system,notnull"`
	SourceID     string    `bun:"source_id,notnull"`
	TargetSystem string    `bun:"target_system,notnull"`
	TargetID     string    `bun:"target_id,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type checkpointRecord struct {
	bun.BaseModel `bun:"table:sync_checkpoints,alias:scp"`

	ID         string    `bun:"id,pk"`
	EntityType string    `bun:"entity_type,notnull"`
	Direction  string    `bun:"direction,notnull"`
	Marker     string    `bun:"marker,notnull"`
	Status     string    `bun:"status,notnull"`
	RunID      string    `bun:"run_id,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type failedRecordRecord struct {
	bun.BaseModel `bun:"table:sync_failed_records,alias:sfr"`

	ID         string         `bun:"id,pk"`
	RunID      string         `bun:"run_id,notnull"`
	EntityType string         `bun:"entity_type,notnull"`
	Direction  string         `bun:"direction,notnull"`
	Identity   string         `bun:"identity,notnull"`
	SourceID   string         `bun:"source_id,notnull"`
	Error      string         `bun:"error,notnull"`
	Payload    map[string]any `bun:"payload,type:jsonb,notnull"`
	Attempts   int            `bun:"attempts,notnull"`
	Status     string         `bun:"status,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type runRecord struct {
	bun.BaseModel `bun:"table:sync_runs,alias:sr"`

	ID           string     `bun:"id,pk"`
	EntityType   string     `bun:"entity_type,notnull"`
	Direction    string     `bun:"direction,notnull"`
	Mode         string     `bun:"mode,notnull"`
	Status       string     `bun:"status,notnull"`
	CreatedCount int        `bun:"created_count,notnull"`
	UpdatedCount int        `bun:"updated_count,notnull"`
	SkippedCount int        `bun:"skipped_count,notnull"`
	FailedCount  int        `bun:"failed_count,notnull"`
	Error        string     `bun:"error,notnull"`
	StartedAt    time.Time  `bun:"started_at,notnull"`
	FinishedAt   *time.Time `bun:"finished_at,nullzero"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newIDMappingRecord(key core.IDMappingKey, targetID string, now time.Time) *idMappingRecord {
	return &idMappingRecord{
		EntityType:   string(key.EntityType),
		SourceSystem: string(key.SourceSystem),
		SourceID:     key.SourceID,
		TargetSystem: string(key.TargetSystem),
		TargetID:     targetID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *idMappingRecord) toDomain() core.IDMapping {
	if r == nil {
		return core.IDMapping{}
	}
	return core.IDMapping{
		EntityType:   core.EntityType(r.EntityType),
		SourceSystem: core.System(r.SourceSystem),
		SourceID:     r.SourceID,
		TargetSystem: core.System(r.TargetSystem),
		TargetID:     r.TargetID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r *checkpointRecord) toDomain() core.SyncCheckpoint {
	if r == nil {
		return core.SyncCheckpoint{}
	}
	return core.SyncCheckpoint{
		EntityType: core.EntityType(r.EntityType),
		Direction:  core.Direction(r.Direction),
		Marker:     r.Marker,
		Status:     core.CheckpointStatus(r.Status),
		RunID:      r.RunID,
		UpdatedAt:  r.UpdatedAt,
	}
}

func newFailedRecordRecord(in core.FailedRecord, now time.Time) *failedRecordRecord {
	attempts := in.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return &failedRecordRecord{
		RunID:      in.RunID,
		EntityType: string(in.EntityType),
		Direction:  string(in.Direction),
		Identity:   in.Identity,
		SourceID:   in.SourceID,
		Error:      in.Error,
		Payload:    copyAnyMap(in.Payload),
		Attempts:   attempts,
		Status:     string(core.FailedRecordStatusFailed),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *failedRecordRecord) toDomain() core.FailedRecord {
	if r == nil {
		return core.FailedRecord{}
	}
	return core.FailedRecord{
		ID:         r.ID,
		RunID:      r.RunID,
		EntityType: core.EntityType(r.EntityType),
		Direction:  core.Direction(r.Direction),
		Identity:   r.Identity,
		SourceID:   r.SourceID,
		Error:      r.Error,
		Payload:    copyAnyMap(r.Payload),
		Attempts:   r.Attempts,
		Status:     core.FailedRecordStatus(r.Status),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func newRunRecord(run core.SyncRun, now time.Time) *runRecord {
	started := run.StartedAt
	if started.IsZero() {
		started = now
	}
	status := run.Status
	if status == "" {
		status = core.RunStatusRunning
	}
	return &runRecord{
		ID:         run.ID,
		EntityType: string(run.EntityType),
		Direction:  string(run.Direction),
		Mode:       string(run.Mode),
		Status:     string(status),
		StartedAt:  started.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *runRecord) toDomain() core.SyncRun {
	if r == nil {
		return core.SyncRun{}
	}
	run := core.SyncRun{
		ID:         r.ID,
		EntityType: core.EntityType(r.EntityType),
		Direction:  core.Direction(r.Direction),
		Mode:       core.SyncMode(r.Mode),
		Status:     core.RunStatus(r.Status),
		Counts: core.OutcomeCounts{
			Created: r.CreatedCount,
			Updated: r.UpdatedCount,
			Skipped: r.SkippedCount,
			Failed:  r.FailedCount,
		},
		Error:     r.Error,
		StartedAt: r.StartedAt,
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		run.FinishedAt = &finished
	}
	return run
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
