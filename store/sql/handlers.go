package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// recordHandlers builds the id-keyed handler set shared by every store record.
func recordHandlers[T any](newRecord func() T, id func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			ptr := id(record)
			if ptr == nil {
				return uuid.Nil
			}
			return parseUUID(*ptr)
		},
		SetID: func(record T, value uuid.UUID) {
			if ptr := id(record); ptr != nil {
				*ptr = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			ptr := id(record)
			if ptr == nil {
				return ""
			}
			return strings.TrimSpace(*ptr)
		},
	}
}

func idMappingHandlers() repository.ModelHandlers[*idMappingRecord] {
	return recordHandlers(
		func() *idMappingRecord { return &idMappingRecord{} },
		func(record *idMappingRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func checkpointHandlers() repository.ModelHandlers[*checkpointRecord] {
	return recordHandlers(
		func() *checkpointRecord { return &checkpointRecord{} },
		func(record *checkpointRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func failedRecordHandlers() repository.ModelHandlers[*failedRecordRecord] {
	return recordHandlers(
		func() *failedRecordRecord { return &failedRecordRecord{} },
		func(record *failedRecordRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func runHandlers() repository.ModelHandlers[*runRecord] {
	return recordHandlers(
		func() *runRecord { return &runRecord{} },
		func(record *runRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
