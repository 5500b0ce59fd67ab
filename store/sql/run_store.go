package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultRunListLimit = 20

type RunStore struct {
	db   *bun.DB
	repo repository.Repository[*runRecord]
	now  core.Clock
}

func NewRunStore(db *bun.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*runRecord](db, runHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid run repository wiring: %w", err)
		}
	}
	return &RunStore{db: db, repo: repo, now: core.DefaultClock}, nil
}

func (s *RunStore) Begin(ctx context.Context, run core.SyncRun) (core.SyncRun, error) {
	if s == nil || s.repo == nil {
		return core.SyncRun{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	if !run.EntityType.IsValid() {
		return core.SyncRun{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, run.EntityType)
	}
	record := newRunRecord(run, s.now().UTC())
	if strings.TrimSpace(record.ID) == "" || parseUUID(record.ID) == uuid.Nil {
		record.ID = uuid.NewString()
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.SyncRun{}, err
	}
	return created.toDomain(), nil
}

// Finish stores the terminal status, counts and error of a run.
func (s *RunStore) Finish(ctx context.Context, run core.SyncRun) (core.SyncRun, error) {
	if s == nil || s.db == nil {
		return core.SyncRun{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return core.SyncRun{}, fmt.Errorf("sqlstore: run id is required")
	}
	record := &runRecord{}
	if err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return core.SyncRun{}, fmt.Errorf("%w: run %q", core.ErrNotFound, id)
		}
		return core.SyncRun{}, err
	}

	now := s.now().UTC()
	finished := now
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	record.Status = string(run.Status)
	record.CreatedCount = run.Counts.Created
	record.UpdatedCount = run.Counts.Updated
	record.SkippedCount = run.Counts.Skipped
	record.FailedCount = run.Counts.Failed
	record.Error = strings.TrimSpace(run.Error)
	record.FinishedAt = &finished
	record.UpdatedAt = now
	if _, err := s.db.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); err != nil {
		return core.SyncRun{}, err
	}
	return record.toDomain(), nil
}

// List returns the most recent runs first.
func (s *RunStore) List(ctx context.Context, limit int) ([]core.SyncRun, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: run store is not configured")
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.SyncRun, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
