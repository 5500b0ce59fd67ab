package query

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

type FailedRecordReader interface {
	List(ctx context.Context, filter core.FailedRecordFilter) ([]core.FailedRecord, error)
}

type CheckpointLister interface {
	List(ctx context.Context) ([]core.SyncCheckpoint, error)
}

type RunReader interface {
	List(ctx context.Context, limit int) ([]core.SyncRun, error)
}

type MappingDescriber interface {
	Describe(entity core.EntityType) (core.MappingDescription, error)
}

type ItemChecker interface {
	CheckItems(ctx context.Context, groupID string) ([]sync.MissingField, error)
}

type ListFailedRecordsQuery struct {
	reader FailedRecordReader
}

func NewListFailedRecordsQuery(reader FailedRecordReader) *ListFailedRecordsQuery {
	return &ListFailedRecordsQuery{reader: reader}
}

func (q *ListFailedRecordsQuery) Query(ctx context.Context, msg ListFailedRecordsMessage) ([]core.FailedRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: failed record reader is required")
	}
	filter := msg.Filter
	if filter.Status == "" {
		filter.Status = core.FailedRecordStatusFailed
	}
	return q.reader.List(ctx, filter)
}

type ListCheckpointsQuery struct {
	lister CheckpointLister
}

func NewListCheckpointsQuery(lister CheckpointLister) *ListCheckpointsQuery {
	return &ListCheckpointsQuery{lister: lister}
}

// Query returns checkpoints ordered by entity then direction.
func (q *ListCheckpointsQuery) Query(ctx context.Context, msg ListCheckpointsMessage) ([]core.SyncCheckpoint, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: checkpoint lister is required")
	}
	checkpoints, err := q.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.SyncCheckpoint, 0, len(checkpoints))
	for _, checkpoint := range checkpoints {
		if msg.EntityType != "" && checkpoint.EntityType != msg.EntityType {
			continue
		}
		out = append(out, checkpoint)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

type ListRunsQuery struct {
	reader RunReader
}

func NewListRunsQuery(reader RunReader) *ListRunsQuery {
	return &ListRunsQuery{reader: reader}
}

func (q *ListRunsQuery) Query(ctx context.Context, msg ListRunsMessage) ([]core.SyncRun, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: run reader is required")
	}
	limit := msg.Limit
	if limit == 0 {
		limit = 20
	}
	return q.reader.List(ctx, limit)
}

type DescribeMappingQuery struct {
	describer MappingDescriber
}

func NewDescribeMappingQuery(describer MappingDescriber) *DescribeMappingQuery {
	return &DescribeMappingQuery{describer: describer}
}

func (q *DescribeMappingQuery) Query(_ context.Context, msg DescribeMappingMessage) (core.MappingDescription, error) {
	if q == nil || q.describer == nil {
		return core.MappingDescription{}, queryDependencyError("query: mapping describer is required")
	}
	out, err := q.describer.Describe(msg.EntityType)
	if errors.Is(err, core.ErrNotFound) {
		return core.MappingDescription{}, queryNotFoundError(err, "query: no mappings for entity")
	}
	return out, err
}

type CheckItemsQuery struct {
	checker ItemChecker
}

func NewCheckItemsQuery(checker ItemChecker) *CheckItemsQuery {
	return &CheckItemsQuery{checker: checker}
}

func (q *CheckItemsQuery) Query(ctx context.Context, msg CheckItemsMessage) ([]sync.MissingField, error) {
	if q == nil || q.checker == nil {
		return nil, queryDependencyError("query: item checker is required")
	}
	return q.checker.CheckItems(ctx, strings.TrimSpace(msg.GroupID))
}
