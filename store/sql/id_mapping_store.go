package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const idMappingConflictTarget = "CONFLICT (entity_type, source_system, source_id, target_system)"

type IDMappingStore struct {
	db   *bun.DB
	repo repository.Repository[*idMappingRecord]
	now  core.Clock
}

func NewIDMappingStore(db *bun.DB) (*IDMappingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*idMappingRecord](db, idMappingHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid id mapping repository wiring: %w", err)
		}
	}
	return &IDMappingStore{db: db, repo: repo, now: core.DefaultClock}, nil
}

func (s *IDMappingStore) Lookup(ctx context.Context, key core.IDMappingKey) (core.IDMapping, bool, error) {
	if s == nil || s.db == nil {
		return core.IDMapping{}, false, fmt.Errorf("sqlstore: id mapping store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.IDMapping{}, false, err
	}
	record, err := findIDMapping(ctx, s.db, key)
	if err != nil {
		return core.IDMapping{}, false, err
	}
	if record == nil {
		return core.IDMapping{}, false, nil
	}
	return record.toDomain(), true, nil
}

// PutIfAbsent inserts the mapping unless the key is already bound. The stored
// mapping is returned either way; created reports whether this call wrote it.
func (s *IDMappingStore) PutIfAbsent(ctx context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, bool, error) {
	if s == nil || s.db == nil {
		return core.IDMapping{}, false, fmt.Errorf("sqlstore: id mapping store is not configured")
	}
	key, targetID, err := normalizeMappingInput(key, targetID)
	if err != nil {
		return core.IDMapping{}, false, err
	}

	record := newIDMappingRecord(key, targetID, s.now().UTC())
	record.ID = uuid.NewString()
	res, err := s.db.NewInsert().
		Model(record).
		On(idMappingConflictTarget + " DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.IDMapping{}, false, err
	}
	created := rowsAffected(res) > 0

	stored, err := findIDMapping(ctx, s.db, key)
	if err != nil {
		return core.IDMapping{}, false, err
	}
	if stored == nil {
		return core.IDMapping{}, false, fmt.Errorf("sqlstore: id mapping %s/%s:%s vanished after insert", key.EntityType, key.SourceSystem, key.SourceID)
	}
	return stored.toDomain(), created, nil
}

// Put binds the key to targetID, replacing an existing binding.
func (s *IDMappingStore) Put(ctx context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, error) {
	if s == nil || s.db == nil {
		return core.IDMapping{}, fmt.Errorf("sqlstore: id mapping store is not configured")
	}
	key, targetID, err := normalizeMappingInput(key, targetID)
	if err != nil {
		return core.IDMapping{}, err
	}

	record := newIDMappingRecord(key, targetID, s.now().UTC())
	record.ID = uuid.NewString()
	if _, err := s.db.NewInsert().
		Model(record).
		On(idMappingConflictTarget + " DO UPDATE").
		Set("target_id = EXCLUDED.target_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx); err != nil {
		return core.IDMapping{}, err
	}

	stored, err := findIDMapping(ctx, s.db, key)
	if err != nil {
		return core.IDMapping{}, err
	}
	if stored == nil {
		return core.IDMapping{}, fmt.Errorf("sqlstore: id mapping %s/%s:%s vanished after upsert", key.EntityType, key.SourceSystem, key.SourceID)
	}
	return stored.toDomain(), nil
}

// ListByEntity returns every mapping for an entity and source system, oldest first.
func (s *IDMappingStore) ListByEntity(ctx context.Context, entity core.EntityType, source core.System) ([]core.IDMapping, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: id mapping store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("entity_type", "=", strings.TrimSpace(string(entity))),
		repository.SelectBy("source_system", "=", strings.TrimSpace(string(source))),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.IDMapping, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findIDMapping(ctx context.Context, db bun.IDB, key core.IDMappingKey) (*idMappingRecord, error) {
	record := &idMappingRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.entity_type = ?", string(key.EntityType)).
		Where("?TableAlias.source_system = ?", string(key.SourceSystem)).
		Where("?TableAlias.source_id = ?", key.SourceID).
		Where("?TableAlias.target_system = ?", string(key.TargetSystem)).
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

func normalizeMappingInput(key core.IDMappingKey, targetID string) (core.IDMappingKey, string, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return key, "", err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return key, "", fmt.Errorf("sqlstore: target id is required")
	}
	return key, targetID, nil
}

func rowsAffected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return count
}

func withClock(clock core.Clock) core.Clock {
	if clock == nil {
		return core.DefaultClock
	}
	return func() time.Time { return clock().UTC() }
}
