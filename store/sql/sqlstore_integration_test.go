package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
	syncmigrations "github.com/goliatone/go-erpsync/migrations"
	sqlstore "github.com/goliatone/go-erpsync/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-erpsync-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range syncmigrations.Tables {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestIDMappingStore_PutIfAbsentKeepsFirstBinding(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IDMappingStore()

	key := core.IDMappingKey{
		EntityType:   core.EntityGroup,
		SourceSystem: core.SystemB,
		SourceID:     "1032025",
		TargetSystem: core.SystemA,
	}
	if _, ok, err := store.Lookup(ctx, key); err != nil || ok {
		t.Fatalf("expected no mapping before insert, ok=%v err=%v", ok, err)
	}

	first, created, err := store.PutIfAbsent(ctx, key, "100")
	if err != nil {
		t.Fatalf("put if absent: %v", err)
	}
	if !created || first.TargetID != "100" {
		t.Fatalf("expected new mapping to 100, got created=%v %#v", created, first)
	}

	second, created, err := store.PutIfAbsent(ctx, key, "200")
	if err != nil {
		t.Fatalf("second put if absent: %v", err)
	}
	if created || second.TargetID != "100" {
		t.Fatalf("expected existing mapping to win, got created=%v %#v", created, second)
	}

	replaced, err := store.Put(ctx, key, "300")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if replaced.TargetID != "300" {
		t.Fatalf("expected replaced target id, got %#v", replaced)
	}
	found, ok, err := store.Lookup(ctx, key)
	if err != nil || !ok || found.TargetID != "300" {
		t.Fatalf("expected lookup of replaced mapping, got ok=%v err=%v %#v", ok, err, found)
	}
}

func TestIDMappingStore_ConcurrentPutIfAbsentStoresOneBinding(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IDMappingStore()
	key := core.IDMappingKey{
		EntityType:   core.EntityItem,
		SourceSystem: core.SystemA,
		SourceID:     "A-100",
		TargetSystem: core.SystemB,
	}

	var wg sync.WaitGroup
	results := make([]core.IDMapping, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = store.PutIfAbsent(ctx, key, fmt.Sprintf("target-%d", idx))
		}(i)
	}
	wg.Wait()

	winner := ""
	for idx, mapping := range results {
		if errs[idx] != nil {
			t.Fatalf("worker %d: %v", idx, errs[idx])
		}
		if winner == "" {
			winner = mapping.TargetID
		}
		if mapping.TargetID != winner {
			t.Fatalf("expected every worker to observe %q, got %q", winner, mapping.TargetID)
		}
	}

	var count int
	if err := factory.DB().NewRaw("SELECT COUNT(*) FROM sync_id_mappings").Scan(ctx, &count); err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored mapping, got %d", count)
	}
}

func TestIDMappingStore_RejectsInvalidKeys(t *testing.T) {
	store := newFactory(t).IDMappingStore()
	_, _, err := store.PutIfAbsent(context.Background(), core.IDMappingKey{
		EntityType:   core.EntityGroup,
		SourceSystem: core.SystemA,
		SourceID:     "1",
		TargetSystem: core.SystemA,
	}, "1")
	if err == nil {
		t.Fatalf("expected same-system key to be rejected")
	}
	if _, err := store.Put(context.Background(), core.IDMappingKey{
		EntityType:   core.EntityGroup,
		SourceSystem: core.SystemA,
		SourceID:     "1",
		TargetSystem: core.SystemB,
	}, " "); err == nil {
		t.Fatalf("expected blank target id to be rejected")
	}
}

func TestCheckpointStore_MarkerNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).CheckpointStore()

	if _, ok, err := store.Get(ctx, core.EntityItem, core.DirectionAToB); err != nil || ok {
		t.Fatalf("expected no checkpoint, ok=%v err=%v", ok, err)
	}

	saved, err := store.Save(ctx, core.SyncCheckpoint{
		EntityType: core.EntityItem,
		Direction:  core.DirectionAToB,
		Marker:     "2024-03-05T10:00:00Z",
		RunID:      "run-1",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Status != core.CheckpointStatusComplete {
		t.Fatalf("expected default complete status, got %q", saved.Status)
	}

	if _, err := store.Save(ctx, core.SyncCheckpoint{
		EntityType: core.EntityItem,
		Direction:  core.DirectionAToB,
		Marker:     "2024-03-01T10:00:00Z",
		RunID:      "run-2",
	}); err != nil {
		t.Fatalf("save older marker: %v", err)
	}
	current, ok, err := store.Get(ctx, core.EntityItem, core.DirectionAToB)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if current.Marker != "2024-03-05T10:00:00Z" || current.RunID != "run-2" {
		t.Fatalf("expected marker kept and run updated, got %#v", current)
	}

	if _, err := store.Save(ctx, core.SyncCheckpoint{
		EntityType: core.EntityItem,
		Direction:  core.DirectionAToB,
		Marker:     "2024-03-06T00:00:00Z",
	}); err != nil {
		t.Fatalf("save newer marker: %v", err)
	}
	current, _, _ = store.Get(ctx, core.EntityItem, core.DirectionAToB)
	if current.Marker != "2024-03-06T00:00:00Z" {
		t.Fatalf("expected advanced marker, got %q", current.Marker)
	}

	if _, ok, _ := store.Get(ctx, core.EntityItem, core.DirectionBToA); ok {
		t.Fatalf("checkpoint leaked across directions")
	}
	if _, err := store.Save(ctx, core.SyncCheckpoint{EntityType: core.EntityItem, Direction: core.DirectionBoth}); err == nil {
		t.Fatalf("expected both direction to be rejected")
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one checkpoint, got %d", len(all))
	}
}

func TestFailedRecordStore_RecordListResolve(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).FailedRecordStore()

	first, err := store.Record(ctx, core.FailedRecord{
		RunID:      "run-1",
		EntityType: core.EntityItem,
		Direction:  core.DirectionAToB,
		Identity:   "A-1",
		SourceID:   "A-1",
		Error:      "price is required",
		Payload:    map[string]any{"ItemCode": "A-1"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Attempts != 1 || first.Status != core.FailedRecordStatusFailed {
		t.Fatalf("unexpected first entry %#v", first)
	}

	again, err := store.Record(ctx, core.FailedRecord{
		RunID:      "run-2",
		EntityType: core.EntityItem,
		Direction:  core.DirectionAToB,
		Identity:   "A-1",
		Error:      "still missing price",
	})
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if again.ID != first.ID || again.Attempts != 2 || again.RunID != "run-2" {
		t.Fatalf("expected repeat failure to update entry, got %#v", again)
	}
	if again.Payload["ItemCode"] != "A-1" {
		t.Fatalf("expected payload kept, got %#v", again.Payload)
	}

	if _, err := store.Record(ctx, core.FailedRecord{
		RunID:      "run-2",
		EntityType: core.EntityOrder,
		Direction:  core.DirectionBToA,
		Identity:   "5001",
		Error:      "customer missing",
	}); err != nil {
		t.Fatalf("record order: %v", err)
	}

	items, err := store.List(ctx, core.FailedRecordFilter{EntityType: core.EntityItem, Status: core.FailedRecordStatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Identity != "A-1" {
		t.Fatalf("expected one failed item, got %#v", items)
	}

	if err := store.MarkAttempt(ctx, first.ID, "timeout"); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	if err := store.MarkResolved(ctx, first.ID); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	open, err := store.List(ctx, core.FailedRecordFilter{Status: core.FailedRecordStatusFailed})
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].EntityType != core.EntityOrder {
		t.Fatalf("expected only the order to remain failed, got %#v", open)
	}
	resolved, err := store.List(ctx, core.FailedRecordFilter{Status: core.FailedRecordStatusResolved})
	if err != nil {
		t.Fatalf("list resolved: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Attempts != 3 || resolved[0].Error != "timeout" {
		t.Fatalf("unexpected resolved entry %#v", resolved)
	}

	if err := store.MarkResolved(ctx, "00000000-0000-0000-0000-000000000000"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunStore_BeginFinishList(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	factory := newFactory(t, sqlstore.WithClock(func() time.Time { return clock }))
	store := factory.RunStore()

	run, err := store.Begin(ctx, core.SyncRun{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionBToA,
		Mode:       core.SyncModeFull,
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if run.ID == "" || run.Status != core.RunStatusRunning || !run.StartedAt.Equal(clock) {
		t.Fatalf("unexpected started run %#v", run)
	}

	clock = clock.Add(time.Minute)
	finished, err := store.Finish(ctx, core.SyncRun{
		ID:     run.ID,
		Status: core.RunStatusSucceeded,
		Counts: core.OutcomeCounts{Created: 2, Updated: 1, Failed: 1},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.FinishedAt == nil || !finished.FinishedAt.Equal(clock) {
		t.Fatalf("expected finish time, got %#v", finished.FinishedAt)
	}
	if finished.Counts.Total() != 4 {
		t.Fatalf("unexpected counts %#v", finished.Counts)
	}

	clock = clock.Add(time.Minute)
	if _, err := store.Begin(ctx, core.SyncRun{EntityType: core.EntityItem, Direction: core.DirectionAToB, Mode: core.SyncModeIncremental}); err != nil {
		t.Fatalf("begin second: %v", err)
	}
	runs, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].EntityType != core.EntityItem {
		t.Fatalf("expected newest run first, got %#v", runs)
	}

	if _, err := store.Finish(ctx, core.SyncRun{ID: "missing", Status: core.RunStatusFailed}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCachedIDMappingStore_ServesLookupsAfterWrite(t *testing.T) {
	ctx := context.Background()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	factory := newFactory(t, sqlstore.WithIDMappingCache(cacheService))
	store := factory.IDMappingStore()
	if _, ok := store.(*sqlstore.CachedIDMappingStore); !ok {
		t.Fatalf("expected cached id mapping store, got %T", store)
	}

	key := core.IDMappingKey{EntityType: core.EntityGroup, SourceSystem: core.SystemA, SourceID: "100", TargetSystem: core.SystemB}
	if _, ok, err := store.Lookup(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if _, _, err := store.PutIfAbsent(ctx, key, "gid-1"); err != nil {
		t.Fatalf("put if absent: %v", err)
	}
	found, ok, err := store.Lookup(ctx, key)
	if err != nil || !ok || found.TargetID != "gid-1" {
		t.Fatalf("expected cached miss to be refreshed, got ok=%v err=%v %#v", ok, err, found)
	}
	if _, err := store.Put(ctx, key, "gid-2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	found, _, _ = store.Lookup(ctx, key)
	if found.TargetID != "gid-2" {
		t.Fatalf("expected invalidated cache entry, got %#v", found)
	}
}

func newFactory(t *testing.T, opts ...sqlstore.FactoryOption) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, opts...)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:erpsync-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	if err := syncmigrations.Apply(ctx, client, "sqlite3"); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
