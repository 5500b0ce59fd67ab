package query

import (
	"strings"

	"github.com/goliatone/go-erpsync/core"
)

const (
	TypeListFailedRecords = "erpsync.query.failed_records.list"
	TypeListCheckpoints   = "erpsync.query.checkpoints.list"
	TypeListRuns          = "erpsync.query.runs.list"
	TypeDescribeMapping   = "erpsync.query.mapping.describe"
	TypeCheckItems        = "erpsync.query.group.check_items"
)

type ListFailedRecordsMessage struct {
	Filter core.FailedRecordFilter
}

func (ListFailedRecordsMessage) Type() string { return TypeListFailedRecords }

func (m ListFailedRecordsMessage) Validate() error {
	if m.Filter.EntityType != "" && !m.Filter.EntityType.IsValid() {
		return queryValidationError("entity_type", "unknown entity type")
	}
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "must not be negative")
	}
	return nil
}

type ListCheckpointsMessage struct {
	// EntityType narrows the listing when set.
	EntityType core.EntityType
}

func (ListCheckpointsMessage) Type() string { return TypeListCheckpoints }

func (m ListCheckpointsMessage) Validate() error {
	if m.EntityType != "" && !m.EntityType.IsValid() {
		return queryValidationError("entity_type", "unknown entity type")
	}
	return nil
}

type ListRunsMessage struct {
	Limit int
}

func (ListRunsMessage) Type() string { return TypeListRuns }

func (m ListRunsMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "must not be negative")
	}
	return nil
}

type DescribeMappingMessage struct {
	EntityType core.EntityType
}

func (DescribeMappingMessage) Type() string { return TypeDescribeMapping }

func (m DescribeMappingMessage) Validate() error {
	if !m.EntityType.IsValid() {
		return queryValidationError("entity_type", "must be one of group, item, order, payment, credit, customer")
	}
	return nil
}

type CheckItemsMessage struct {
	GroupID string
}

func (CheckItemsMessage) Type() string { return TypeCheckItems }

func (m CheckItemsMessage) Validate() error {
	if strings.TrimSpace(m.GroupID) == "" {
		return queryValidationError("group_id", "is required")
	}
	return nil
}
