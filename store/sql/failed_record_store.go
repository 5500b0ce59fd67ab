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

const defaultFailedRecordLimit = 100

// FailedRecordStore is the ledger of records that ended a run as failed.
// Entries are keyed by (entity_type, direction, identity); a repeat failure
// bumps attempts on the existing entry.
type FailedRecordStore struct {
	db   *bun.DB
	repo repository.Repository[*failedRecordRecord]
	now  core.Clock
}

func NewFailedRecordStore(db *bun.DB) (*FailedRecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*failedRecordRecord](db, failedRecordHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid failed record repository wiring: %w", err)
		}
	}
	return &FailedRecordStore{db: db, repo: repo, now: core.DefaultClock}, nil
}

func (s *FailedRecordStore) Record(ctx context.Context, in core.FailedRecord) (core.FailedRecord, error) {
	if s == nil || s.db == nil {
		return core.FailedRecord{}, fmt.Errorf("sqlstore: failed record store is not configured")
	}
	in.Identity = strings.TrimSpace(in.Identity)
	in.SourceID = strings.TrimSpace(in.SourceID)
	in.RunID = strings.TrimSpace(in.RunID)
	if !in.EntityType.IsValid() {
		return core.FailedRecord{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, in.EntityType)
	}
	if in.Direction != core.DirectionAToB && in.Direction != core.DirectionBToA {
		return core.FailedRecord{}, fmt.Errorf("%w: failed record direction %q", core.ErrInvalidDirection, in.Direction)
	}
	if in.Identity == "" {
		return core.FailedRecord{}, fmt.Errorf("sqlstore: failed record identity is required")
	}
	now := s.now().UTC()

	var out core.FailedRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findFailedRecordTx(ctx, tx, in.EntityType, in.Direction, in.Identity)
		if err != nil {
			return err
		}
		if record == nil {
			record = newFailedRecordRecord(in, now)
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if !isUniqueViolation(insertErr) {
					return insertErr
				}
				record, err = findFailedRecordTx(ctx, tx, in.EntityType, in.Direction, in.Identity)
				if err != nil {
					return err
				}
				if record == nil {
					return insertErr
				}
			} else {
				out = record.toDomain()
				return nil
			}
		}

		record.Attempts++
		record.RunID = in.RunID
		record.Error = in.Error
		if in.SourceID != "" {
			record.SourceID = in.SourceID
		}
		if len(in.Payload) > 0 {
			record.Payload = copyAnyMap(in.Payload)
		}
		record.Status = string(core.FailedRecordStatusFailed)
		record.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.FailedRecord{}, err
	}
	return out, nil
}

func (s *FailedRecordStore) List(ctx context.Context, filter core.FailedRecordFilter) ([]core.FailedRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: failed record store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultFailedRecordLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	}
	if entity := strings.TrimSpace(string(filter.EntityType)); entity != "" {
		selectors = append(selectors, repository.SelectBy("entity_type", "=", entity))
	}
	if direction := strings.TrimSpace(string(filter.Direction)); direction != "" && filter.Direction != core.DirectionBoth {
		selectors = append(selectors, repository.SelectBy("direction", "=", direction))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}

	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.FailedRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *FailedRecordStore) MarkResolved(ctx context.Context, id string) error {
	return s.update(ctx, id, func(record *failedRecordRecord) {
		record.Status = string(core.FailedRecordStatusResolved)
	})
}

// MarkAttempt records another unsuccessful retry for the entry.
func (s *FailedRecordStore) MarkAttempt(ctx context.Context, id string, errorText string) error {
	return s.update(ctx, id, func(record *failedRecordRecord) {
		record.Attempts++
		record.Status = string(core.FailedRecordStatusFailed)
		if trimmed := strings.TrimSpace(errorText); trimmed != "" {
			record.Error = trimmed
		}
	})
}

func (s *FailedRecordStore) update(ctx context.Context, id string, mutate func(*failedRecordRecord)) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: failed record store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: failed record id is required")
	}
	record := &failedRecordRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", trimmedID).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: failed record %q", core.ErrNotFound, trimmedID)
		}
		return err
	}
	mutate(record)
	record.UpdatedAt = s.now().UTC()
	_, err = s.db.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
	return err
}

func findFailedRecordTx(
	ctx context.Context,
	tx bun.Tx,
	entity core.EntityType,
	direction core.Direction,
	identity string,
) (*failedRecordRecord, error) {
	record := &failedRecordRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.entity_type = ?", string(entity)).
		Where("?TableAlias.direction = ?", string(direction)).
		Where("?TableAlias.identity = ?", identity).
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
