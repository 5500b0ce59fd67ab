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

type CheckpointStore struct {
	db   *bun.DB
	repo repository.Repository[*checkpointRecord]
	now  core.Clock
}

func NewCheckpointStore(db *bun.DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*checkpointRecord](db, checkpointHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid checkpoint repository wiring: %w", err)
		}
	}
	return &CheckpointStore{db: db, repo: repo, now: core.DefaultClock}, nil
}

func (s *CheckpointStore) Get(ctx context.Context, entity core.EntityType, direction core.Direction) (core.SyncCheckpoint, bool, error) {
	if s == nil || s.db == nil {
		return core.SyncCheckpoint{}, false, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	record, err := findCheckpoint(ctx, s.db, entity, direction)
	if err != nil {
		return core.SyncCheckpoint{}, false, err
	}
	if record == nil {
		return core.SyncCheckpoint{}, false, nil
	}
	return record.toDomain(), true, nil
}

// Save persists the checkpoint for (entity, direction). The stored marker never
// moves backwards: a lower marker only updates status and run id.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint core.SyncCheckpoint) (core.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return core.SyncCheckpoint{}, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	checkpoint.EntityType = core.EntityType(strings.TrimSpace(string(checkpoint.EntityType)))
	checkpoint.Marker = strings.TrimSpace(checkpoint.Marker)
	checkpoint.RunID = strings.TrimSpace(checkpoint.RunID)
	if !checkpoint.EntityType.IsValid() {
		return core.SyncCheckpoint{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, checkpoint.EntityType)
	}
	if checkpoint.Direction != core.DirectionAToB && checkpoint.Direction != core.DirectionBToA {
		return core.SyncCheckpoint{}, fmt.Errorf("%w: checkpoint direction %q", core.ErrInvalidDirection, checkpoint.Direction)
	}
	if checkpoint.Status == "" {
		checkpoint.Status = core.CheckpointStatusComplete
	}
	now := s.now().UTC()

	var out core.SyncCheckpoint
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findCheckpoint(ctx, tx, checkpoint.EntityType, checkpoint.Direction)
		if err != nil {
			return err
		}
		if record == nil {
			record = &checkpointRecord{
				ID:         uuid.NewString(),
				EntityType: string(checkpoint.EntityType),
				Direction:  string(checkpoint.Direction),
				Marker:     checkpoint.Marker,
				Status:     string(checkpoint.Status),
				RunID:      checkpoint.RunID,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
			out = record.toDomain()
			return nil
		}

		if core.CompareMarkers(checkpoint.Marker, record.Marker) > 0 {
			record.Marker = checkpoint.Marker
		}
		record.Status = string(checkpoint.Status)
		record.RunID = checkpoint.RunID
		record.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncCheckpoint{}, err
	}
	return out, nil
}

// List returns every stored checkpoint ordered by entity and direction.
func (s *CheckpointStore) List(ctx context.Context) ([]core.SyncCheckpoint, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("entity_type ASC"),
		repository.OrderBy("direction ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.SyncCheckpoint, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findCheckpoint(ctx context.Context, db bun.IDB, entity core.EntityType, direction core.Direction) (*checkpointRecord, error) {
	record := &checkpointRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.entity_type = ?", strings.TrimSpace(string(entity))).
		Where("?TableAlias.direction = ?", strings.TrimSpace(string(direction))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
