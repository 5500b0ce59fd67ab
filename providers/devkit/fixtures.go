package devkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/google/uuid"
)

// MemoryIDMappingStore is an in-process IDMappingStore.
type MemoryIDMappingStore struct {
	mu       sync.Mutex
	mappings map[core.IDMappingKey]core.IDMapping
	now      core.Clock
}

func NewMemoryIDMappingStore() *MemoryIDMappingStore {
	return &MemoryIDMappingStore{mappings: map[core.IDMappingKey]core.IDMapping{}, now: core.DefaultClock}
}

func (s *MemoryIDMappingStore) Lookup(_ context.Context, key core.IDMappingKey) (core.IDMapping, bool, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.IDMapping{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, ok := s.mappings[key]
	return mapping, ok, nil
}

func (s *MemoryIDMappingStore) PutIfAbsent(_ context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, bool, error) {
	key, targetID, err := normalizeMapping(key, targetID)
	if err != nil {
		return core.IDMapping{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[key]; ok {
		return existing, false, nil
	}
	mapping := s.newMapping(key, targetID)
	s.mappings[key] = mapping
	return mapping, true, nil
}

func (s *MemoryIDMappingStore) Put(_ context.Context, key core.IDMappingKey, targetID string) (core.IDMapping, error) {
	key, targetID, err := normalizeMapping(key, targetID)
	if err != nil {
		return core.IDMapping{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping := s.newMapping(key, targetID)
	if existing, ok := s.mappings[key]; ok {
		mapping.CreatedAt = existing.CreatedAt
	}
	s.mappings[key] = mapping
	return mapping, nil
}

// Len reports the number of stored mappings.
func (s *MemoryIDMappingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

func (s *MemoryIDMappingStore) newMapping(key core.IDMappingKey, targetID string) core.IDMapping {
	now := s.now()
	return core.IDMapping{
		EntityType:   key.EntityType,
		SourceSystem: key.SourceSystem,
		SourceID:     key.SourceID,
		TargetSystem: key.TargetSystem,
		TargetID:     targetID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func normalizeMapping(key core.IDMappingKey, targetID string) (core.IDMappingKey, string, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return key, "", err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return key, "", fmt.Errorf("devkit: id mapping target id is required")
	}
	return key, targetID, nil
}

type checkpointKey struct {
	entity    core.EntityType
	direction core.Direction
}

// MemoryCheckpointStore keeps markers monotonic like the SQL store. SaveErr,
// when set, fails every Save.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[checkpointKey]core.SyncCheckpoint
	saves       []core.SyncCheckpoint
	SaveErr     error
	now         core.Clock
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[checkpointKey]core.SyncCheckpoint{}, now: core.DefaultClock}
}

func (s *MemoryCheckpointStore) Get(_ context.Context, entity core.EntityType, direction core.Direction) (core.SyncCheckpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkpoint, ok := s.checkpoints[checkpointKey{entity: entity, direction: direction}]
	return checkpoint, ok, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, checkpoint core.SyncCheckpoint) (core.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return core.SyncCheckpoint{}, s.SaveErr
	}
	if !checkpoint.EntityType.IsValid() {
		return core.SyncCheckpoint{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, checkpoint.EntityType)
	}
	if checkpoint.Direction != core.DirectionAToB && checkpoint.Direction != core.DirectionBToA {
		return core.SyncCheckpoint{}, fmt.Errorf("%w: checkpoint direction %q", core.ErrInvalidDirection, checkpoint.Direction)
	}
	if checkpoint.Status == "" {
		checkpoint.Status = core.CheckpointStatusComplete
	}
	key := checkpointKey{entity: checkpoint.EntityType, direction: checkpoint.Direction}
	if existing, ok := s.checkpoints[key]; ok && core.CompareMarkers(checkpoint.Marker, existing.Marker) <= 0 {
		checkpoint.Marker = existing.Marker
	}
	checkpoint.UpdatedAt = s.now()
	s.checkpoints[key] = checkpoint
	s.saves = append(s.saves, checkpoint)
	return checkpoint, nil
}

// Saves returns every checkpoint accepted so far, in order.
func (s *MemoryCheckpointStore) Saves() []core.SyncCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.SyncCheckpoint(nil), s.saves...)
}

// List returns all checkpoints ordered by entity and direction.
func (s *MemoryCheckpointStore) List(context.Context) ([]core.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.SyncCheckpoint, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		out = append(out, checkpoint)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

// MemoryFailedRecordStore keeps one entry per (entity, direction, identity).
type MemoryFailedRecordStore struct {
	mu      sync.Mutex
	records []core.FailedRecord
	now     core.Clock
}

func NewMemoryFailedRecordStore() *MemoryFailedRecordStore {
	return &MemoryFailedRecordStore{now: core.DefaultClock}
}

func (s *MemoryFailedRecordStore) Record(_ context.Context, in core.FailedRecord) (core.FailedRecord, error) {
	in.Identity = strings.TrimSpace(in.Identity)
	if !in.EntityType.IsValid() {
		return core.FailedRecord{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, in.EntityType)
	}
	if in.Identity == "" {
		return core.FailedRecord{}, fmt.Errorf("devkit: failed record identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for idx, existing := range s.records {
		if existing.EntityType == in.EntityType && existing.Direction == in.Direction && existing.Identity == in.Identity {
			existing.Attempts++
			existing.RunID = in.RunID
			existing.Error = in.Error
			if in.SourceID != "" {
				existing.SourceID = in.SourceID
			}
			if len(in.Payload) > 0 {
				existing.Payload = in.Payload
			}
			existing.Status = core.FailedRecordStatusFailed
			existing.UpdatedAt = now
			s.records[idx] = existing
			return existing, nil
		}
	}
	in.ID = uuid.NewString()
	if in.Attempts <= 0 {
		in.Attempts = 1
	}
	in.Status = core.FailedRecordStatusFailed
	in.CreatedAt = now
	in.UpdatedAt = now
	s.records = append(s.records, in)
	return in, nil
}

func (s *MemoryFailedRecordStore) List(_ context.Context, filter core.FailedRecordFilter) ([]core.FailedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.FailedRecord
	for _, record := range s.records {
		if filter.EntityType != "" && record.EntityType != filter.EntityType {
			continue
		}
		if filter.Direction != "" && filter.Direction != core.DirectionBoth && record.Direction != filter.Direction {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		out = append(out, record)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryFailedRecordStore) MarkResolved(_ context.Context, id string) error {
	return s.update(id, func(record *core.FailedRecord) {
		record.Status = core.FailedRecordStatusResolved
	})
}

func (s *MemoryFailedRecordStore) MarkAttempt(_ context.Context, id string, errorText string) error {
	return s.update(id, func(record *core.FailedRecord) {
		record.Attempts++
		record.Status = core.FailedRecordStatusFailed
		if trimmed := strings.TrimSpace(errorText); trimmed != "" {
			record.Error = trimmed
		}
	})
}

func (s *MemoryFailedRecordStore) update(id string, mutate func(*core.FailedRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.records {
		if s.records[idx].ID == strings.TrimSpace(id) {
			mutate(&s.records[idx])
			s.records[idx].UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("%w: failed record %q", core.ErrNotFound, id)
}

// MemoryRunStore lists runs most recent first.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs []core.SyncRun
	now  core.Clock
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{now: core.DefaultClock}
}

func (s *MemoryRunStore) Begin(_ context.Context, run core.SyncRun) (core.SyncRun, error) {
	if !run.EntityType.IsValid() {
		return core.SyncRun{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, run.EntityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = core.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	s.runs = append(s.runs, run)
	return run, nil
}

func (s *MemoryRunStore) Finish(_ context.Context, run core.SyncRun) (core.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.runs {
		if s.runs[idx].ID != run.ID {
			continue
		}
		finished := s.now()
		if run.FinishedAt != nil {
			finished = *run.FinishedAt
		}
		stored := s.runs[idx]
		stored.Status = run.Status
		stored.Counts = run.Counts
		stored.Error = run.Error
		stored.FinishedAt = &finished
		s.runs[idx] = stored
		return stored, nil
	}
	return core.SyncRun{}, fmt.Errorf("%w: run %q", core.ErrNotFound, run.ID)
}

func (s *MemoryRunStore) List(_ context.Context, limit int) ([]core.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.SyncRun, 0, len(s.runs))
	for idx := len(s.runs) - 1; idx >= 0; idx-- {
		out = append(out, s.runs[idx])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stores bundles one of each in-memory store.
type Stores struct {
	Mappings    *MemoryIDMappingStore
	Checkpoints *MemoryCheckpointStore
	Failed      *MemoryFailedRecordStore
	Runs        *MemoryRunStore
}

func NewStores() Stores {
	return Stores{
		Mappings:    NewMemoryIDMappingStore(),
		Checkpoints: NewMemoryCheckpointStore(),
		Failed:      NewMemoryFailedRecordStore(),
		Runs:        NewMemoryRunStore(),
	}
}

// FixedClock returns a clock that advances by step on every call.
func FixedClock(start time.Time, step time.Duration) core.Clock {
	var mu sync.Mutex
	current := start.UTC()
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(step)
		return now
	}
}

var (
	_ core.IDMappingStore    = (*MemoryIDMappingStore)(nil)
	_ core.CheckpointStore   = (*MemoryCheckpointStore)(nil)
	_ core.FailedRecordStore = (*MemoryFailedRecordStore)(nil)
	_ core.RunStore          = (*MemoryRunStore)(nil)
)
