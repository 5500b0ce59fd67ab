package core

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Scope narrows a fetch to one parent entity or a name filter.
type Scope struct {
	GroupID string
	OrderID string
	Name    string
	IDs     []string
}

func (s Scope) IsZero() bool {
	return strings.TrimSpace(s.GroupID) == "" &&
		strings.TrimSpace(s.OrderID) == "" &&
		strings.TrimSpace(s.Name) == "" &&
		len(s.IDs) == 0
}

func (s Scope) Normalize() Scope {
	out := Scope{
		GroupID: strings.TrimSpace(s.GroupID),
		OrderID: strings.TrimSpace(s.OrderID),
		Name:    strings.TrimSpace(s.Name),
	}
	for _, id := range s.IDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			out.IDs = append(out.IDs, trimmed)
		}
	}
	return out
}

type FetchRequest struct {
	Scope Scope
	// Since restricts results to records modified at or after the marker.
	Since string
	// Cursor resumes a paged listing where the previous page ended.
	Cursor string
	Limit  int
}

// Page is one slice of a finite, restartable record sequence.
type Page struct {
	Records    []CanonicalRecord
	NextCursor string
}

// SystemClient is implemented once per external system. Every call fails with
// a TransientError or PermanentError; GetEntity reports ErrNotFound.
type SystemClient interface {
	System() System
	FetchEntities(ctx context.Context, entity EntityType, req FetchRequest) (Page, error)
	GetEntity(ctx context.Context, entity EntityType, id string) (CanonicalRecord, error)
	CreateEntity(ctx context.Context, entity EntityType, record CanonicalRecord) (string, error)
	UpdateEntity(ctx context.Context, entity EntityType, targetID string, record CanonicalRecord) (Outcome, error)
	Ping(ctx context.Context) error
}

// MarkerOrderedFetcher is implemented by clients whose FetchEntities pages
// list records by ascending modification marker. Only those sources let a
// run checkpoint after every batch.
type MarkerOrderedFetcher interface {
	FetchesInMarkerOrder(entity EntityType) bool
}

// IDMappingStore must support at-least-once-safe upsert.
type IDMappingStore interface {
	Lookup(ctx context.Context, key IDMappingKey) (IDMapping, bool, error)
	// PutIfAbsent stores the mapping unless one exists, returning the stored value.
	PutIfAbsent(ctx context.Context, key IDMappingKey, targetID string) (IDMapping, bool, error)
	Put(ctx context.Context, key IDMappingKey, targetID string) (IDMapping, error)
}

type CheckpointStore interface {
	Get(ctx context.Context, entity EntityType, direction Direction) (SyncCheckpoint, bool, error)
	Save(ctx context.Context, checkpoint SyncCheckpoint) (SyncCheckpoint, error)
}

type FailedRecordStore interface {
	Record(ctx context.Context, record FailedRecord) (FailedRecord, error)
	List(ctx context.Context, filter FailedRecordFilter) ([]FailedRecord, error)
	MarkResolved(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, errorText string) error
}

type RunStore interface {
	Begin(ctx context.Context, run SyncRun) (SyncRun, error)
	Finish(ctx context.Context, run SyncRun) (SyncRun, error)
	List(ctx context.Context, limit int) ([]SyncRun, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Clock is injected wherever timestamps are produced.
type Clock func() time.Time

func DefaultClock() time.Time {
	return time.Now().UTC()
}
