package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/providers/devkit"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	sap    *devkit.MemoryClient
	shop   *devkit.MemoryClient
	stores devkit.Stores
	orch   *Orchestrator
}

func newHarness(t *testing.T, configure func(*core.Config), opts ...Option) *harness {
	t.Helper()
	return newHarnessWithClients(t, devkit.NewMemoryClient(core.SystemA), devkit.NewMemoryClient(core.SystemB), configure, opts...)
}

func newHarnessWithClients(
	t *testing.T,
	sap *devkit.MemoryClient,
	shop *devkit.MemoryClient,
	configure func(*core.Config),
	opts ...Option,
) *harness {
	t.Helper()
	fsys := os.DirFS("../definitions")
	schemas, err := core.LoadSchemaRegistry(fsys, "schemas/*/*.json")
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	mappings, err := core.LoadMappingRegistry(fsys, "mappings/*.json")
	if err != nil {
		t.Fatalf("load mappings: %v", err)
	}
	translator, err := core.NewTranslator(schemas, mappings)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}

	cfg := core.DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}
	stores := devkit.NewStores()
	orch, err := NewOrchestrator(Dependencies{
		Clients:     map[core.System]core.SystemClient{core.SystemA: sap, core.SystemB: shop},
		Translator:  translator,
		Mappings:    stores.Mappings,
		Checkpoints: stores.Checkpoints,
		Failed:      stores.Failed,
		Runs:        stores.Runs,
		Config:      cfg,
	}, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{sap: sap, shop: shop, stores: stores, orch: orch}
}

func sapGroup(number int, name string, updatedAt time.Time) core.CanonicalRecord {
	id := strconv.Itoa(number)
	return core.NewCanonicalRecord(core.SystemA, core.EntityGroup, id, map[string]any{
		"Number": int64(number),
		"Code":   "G" + id,
		"Name":   name,
		"Active": "tYES",
	}).WithMarker(core.FormatMarker(updatedAt))
}

func shopCollection(id int64, title string, updatedAt time.Time) core.CanonicalRecord {
	return core.NewCanonicalRecord(core.SystemB, core.EntityGroup, strconv.FormatInt(id, 10), map[string]any{
		"id":              id,
		"title":           title,
		"published":       true,
		"collection_type": "custom",
	}).WithMarker(core.FormatMarker(updatedAt))
}

func TestRunSyncCreatesSAPGroupFromCollection(t *testing.T) {
	h := newHarness(t, nil)
	h.shop.Put(devkit.WidgetCollection(baseTime))

	summary, err := h.orch.RunSync(context.Background(), RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionBToA,
	})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if summary.Counts.Created != 1 || summary.Failed() {
		t.Fatalf("expected one created group, got %+v", summary.Counts)
	}
	if summary.State != StateIdle {
		t.Fatalf("expected idle state after run, got %s", summary.State)
	}

	groups := h.sap.Records(core.EntityGroup)
	if len(groups) != 1 {
		t.Fatalf("expected one sap group, got %d", len(groups))
	}
	group := groups[0]
	want := map[string]string{"Code": "SH1032025", "Name": "Widget", "Active": "tYES"}
	for field, value := range want {
		if got := group.String(field); got != value {
			t.Fatalf("expected %s=%q, got %q", field, value, got)
		}
	}

	mapping, ok, err := h.stores.Mappings.Lookup(context.Background(), core.IDMappingKey{
		EntityType:   core.EntityGroup,
		SourceSystem: core.SystemB,
		SourceID:     "1032025",
		TargetSystem: core.SystemA,
	})
	if err != nil || !ok || mapping.TargetID != group.ID() {
		t.Fatalf("expected persisted mapping to %q, got %+v ok=%v err=%v", group.ID(), mapping, ok, err)
	}
	reverse, ok, _ := h.stores.Mappings.Lookup(context.Background(), core.IDMappingKey{
		EntityType:   core.EntityGroup,
		SourceSystem: core.SystemA,
		SourceID:     group.ID(),
		TargetSystem: core.SystemB,
	})
	if !ok || reverse.TargetID != "1032025" {
		t.Fatalf("expected reverse mapping, got %+v", reverse)
	}

	checkpoint, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionBToA)
	if !ok || checkpoint.Marker != core.FormatMarker(baseTime) {
		t.Fatalf("expected checkpoint at source marker, got %+v", checkpoint)
	}
	runs, _ := h.stores.Runs.List(context.Background(), 1)
	if len(runs) != 1 || runs[0].Status != core.RunStatusSucceeded || runs[0].Counts.Created != 1 {
		t.Fatalf("expected succeeded run ledger entry, got %+v", runs)
	}
}

func TestRunSyncSecondRunUpdatesInsteadOfCreating(t *testing.T) {
	h := newHarness(t, nil)
	h.shop.Put(devkit.WidgetCollection(baseTime))
	req := RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionBToA}

	if _, err := h.orch.RunSync(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := h.orch.RunSync(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Counts.Created != 0 || summary.Counts.Skipped != 1 {
		t.Fatalf("expected unchanged update on second run, got %+v", summary.Counts)
	}
	if got := len(h.sap.Records(core.EntityGroup)); got != 1 {
		t.Fatalf("expected exactly one sap group, got %d", got)
	}
	if h.sap.Calls("create") != 1 || h.sap.Calls("update") != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", h.sap.Calls("create"), h.sap.Calls("update"))
	}
}

func TestRunSyncCascadesItemsAfterGroup(t *testing.T) {
	var order []core.EntityType
	h := newHarness(t, nil, WithObserver(ObserverFunc(func(_ context.Context, transition Transition) {
		if transition.To == StateWriting {
			order = append(order, transition.EntityType)
		}
	})))
	group, items := devkit.SAPGroupWithItems(100, 20, baseTime)
	h.sap.Put(group)
	h.sap.Put(items...)

	summary, err := h.orch.RunSync(context.Background(), RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionAToB,
		WithItems:  true,
	})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if summary.Counts.Created != 21 || summary.Failed() {
		t.Fatalf("expected group and 20 items created, got %+v failures=%v", summary.Counts, summary.Failures)
	}
	if len(summary.Passes) != 2 || summary.Passes[0].EntityType != core.EntityGroup || summary.Passes[1].Scope.GroupID != "100" {
		t.Fatalf("expected group pass then item pass scoped to group 100, got %+v", summary.Passes)
	}
	if len(order) < 2 || order[0] != core.EntityGroup || order[len(order)-1] != core.EntityItem {
		t.Fatalf("expected group writes before item writes, got %v", order)
	}

	collections := h.shop.Records(core.EntityGroup)
	if len(collections) != 1 {
		t.Fatalf("expected one collection, got %d", len(collections))
	}
	collectionID := collections[0].ID()
	if got := collections[0].String("handle"); got != "100-group-100" {
		t.Fatalf("expected derived handle, got %q", got)
	}
	products := h.shop.Records(core.EntityItem)
	if len(products) != 20 {
		t.Fatalf("expected 20 products, got %d", len(products))
	}
	for _, product := range products {
		if product.String("collection_id") != collectionID {
			t.Fatalf("product %s carries collection %q, want %q", product.String("sku"), product.String("collection_id"), collectionID)
		}
	}
	if _, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityItem, core.DirectionAToB); ok {
		t.Fatalf("scoped item pass must not move the item checkpoint")
	}
}

func TestRunSyncItemWithoutSynchronizedGroupFails(t *testing.T) {
	h := newHarness(t, nil)
	_, items := devkit.SAPGroupWithItems(200, 2, baseTime)
	h.sap.Put(items...)

	summary, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if summary.Counts.Failed != 2 {
		t.Fatalf("expected both items to fail, got %+v", summary.Counts)
	}
	if !errors.Is(summary.Failures[0].Err, core.ErrDependencyMissing) {
		t.Fatalf("expected dependency missing, got %v", summary.Failures[0].Err)
	}
	failed, _ := h.stores.Failed.List(context.Background(), core.FailedRecordFilter{EntityType: core.EntityItem})
	if len(failed) != 2 {
		t.Fatalf("expected failures in ledger, got %d", len(failed))
	}
}

func TestRunSyncIncrementalCheckpointIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	for idx := 1; idx <= 3; idx++ {
		h.sap.Put(sapGroup(100+idx, fmt.Sprintf("Group %d", idx), baseTime.Add(time.Duration(idx)*time.Hour)))
	}
	req := RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB, Mode: core.SyncModeIncremental}

	first, err := h.orch.RunSync(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Counts.Created != 3 {
		t.Fatalf("expected three created groups, got %+v", first.Counts)
	}

	h.sap.Put(sapGroup(104, "Group 4", baseTime.Add(4*time.Hour)))
	second, err := h.orch.RunSync(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// The record sitting exactly on the checkpoint is revisited, older ones are not.
	if second.Counts.Created != 1 || second.Counts.Total() != 2 {
		t.Fatalf("expected one create and one revisit, got %+v", second.Counts)
	}
	if _, err := h.orch.RunSync(context.Background(), req); err != nil {
		t.Fatalf("third run: %v", err)
	}

	saves := h.stores.Checkpoints.Saves()
	for idx := 1; idx < len(saves); idx++ {
		if core.CompareMarkers(saves[idx].Marker, saves[idx-1].Marker) < 0 {
			t.Fatalf("checkpoint moved backwards: %q after %q", saves[idx].Marker, saves[idx-1].Marker)
		}
	}
	checkpoint, _, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionAToB)
	if checkpoint.Marker != core.FormatMarker(baseTime.Add(4*time.Hour)) {
		t.Fatalf("expected checkpoint at newest marker, got %q", checkpoint.Marker)
	}
	if h.shop.Calls("create") != 4 {
		t.Fatalf("expected four creates overall, got %d", h.shop.Calls("create"))
	}
}

func TestRunSyncBatchIsolation(t *testing.T) {
	var creates atomic.Int32
	shop := devkit.NewMemoryClient(core.SystemB, devkit.WithFailure(func(op string, _ core.EntityType, _ string) error {
		if op == "create" && creates.Add(1) == 3 {
			return core.NewPermanentError(core.SystemB, "create", 422, errors.New("title has already been taken"))
		}
		return nil
	}))
	h := newHarnessWithClients(t, devkit.NewMemoryClient(core.SystemA), shop, nil)
	for idx := 1; idx <= 5; idx++ {
		h.sap.Put(sapGroup(300+idx, fmt.Sprintf("Batch %d", idx), baseTime.Add(time.Duration(idx)*time.Minute)))
	}

	summary, err := h.orch.RunSync(context.Background(), RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionAToB,
		BatchSize:  5,
	})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if summary.Counts.Created != 4 || summary.Counts.Failed != 1 {
		t.Fatalf("expected 4 created and 1 failed, got %+v", summary.Counts)
	}
	if !core.IsPermanent(summary.Failures[0].Err) {
		t.Fatalf("expected permanent failure, got %v", summary.Failures[0].Err)
	}
	checkpoint, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionAToB)
	if !ok || checkpoint.Marker != core.FormatMarker(baseTime.Add(5*time.Minute)) {
		t.Fatalf("expected checkpoint past the whole batch, got %+v", checkpoint)
	}
	failed, _ := h.stores.Failed.List(context.Background(), core.FailedRecordFilter{Status: core.FailedRecordStatusFailed})
	if len(failed) != 1 || failed[0].Identity != summary.Failures[0].Identity {
		t.Fatalf("expected failed record in ledger, got %+v", failed)
	}
	runs, _ := h.stores.Runs.List(context.Background(), 1)
	if runs[0].Status != core.RunStatusFailed {
		t.Fatalf("expected run marked failed, got %s", runs[0].Status)
	}
}

func TestRunSyncCancellationKeepsCommittedCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, nil, WithObserver(ObserverFunc(func(_ context.Context, transition Transition) {
		if transition.To == StateCheckpointing && transition.Batch == 1 {
			cancel()
		}
	})))
	for idx := 1; idx <= 6; idx++ {
		h.sap.Put(sapGroup(400+idx, fmt.Sprintf("Cancel %d", idx), baseTime.Add(time.Duration(idx)*time.Minute)))
	}

	summary, err := h.orch.RunSync(ctx, RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB, BatchSize: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if !summary.Cancelled || summary.State != StateIdle {
		t.Fatalf("expected cancelled idle summary, got cancelled=%v state=%s", summary.Cancelled, summary.State)
	}
	if summary.Counts.Created != 2 || len(h.shop.Records(core.EntityGroup)) != 2 {
		t.Fatalf("expected only the first batch written, got %+v", summary.Counts)
	}
	checkpoint, _, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionAToB)
	if checkpoint.Marker != core.FormatMarker(baseTime.Add(2*time.Minute)) {
		t.Fatalf("expected checkpoint of the committed batch, got %q", checkpoint.Marker)
	}
	runs, _ := h.stores.Runs.List(context.Background(), 1)
	if runs[0].Status != core.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s", runs[0].Status)
	}
}

func TestRunSyncRejectsConcurrentRunForSameFlow(t *testing.T) {
	var (
		h       *harness
		nested  error
		tried   bool
		request = RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB}
	)
	h = newHarness(t, nil, WithObserver(ObserverFunc(func(ctx context.Context, transition Transition) {
		if transition.To == StateTranslating && !tried {
			tried = true
			_, nested = h.orch.RunSync(ctx, RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionBoth})
		}
	})))
	h.sap.Put(sapGroup(501, "Busy", baseTime))

	if _, err := h.orch.RunSync(context.Background(), request); err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if !errors.Is(nested, core.ErrRunInProgress) {
		t.Fatalf("expected run in progress, got %v", nested)
	}
	if _, err := h.orch.RunSync(context.Background(), request); err != nil {
		t.Fatalf("flow should be free after the run: %v", err)
	}
}

func TestRunSyncAbortsWhenTargetUnreachable(t *testing.T) {
	shop := devkit.NewMemoryClient(core.SystemB, devkit.WithFailure(func(op string, _ core.EntityType, _ string) error {
		if op == "create" {
			return devkit.Unreachable(core.SystemB, op)
		}
		return nil
	}))
	h := newHarnessWithClients(t, devkit.NewMemoryClient(core.SystemA), shop, nil)
	for idx := 1; idx <= 4; idx++ {
		h.sap.Put(sapGroup(600+idx, fmt.Sprintf("Down %d", idx), baseTime.Add(time.Duration(idx)*time.Minute)))
	}

	summary, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB, BatchSize: 2})
	if !errors.Is(err, core.ErrSystemUnavailable) {
		t.Fatalf("expected system unavailable, got %v", err)
	}
	if summary.State != StateFailed {
		t.Fatalf("expected failed state, got %s", summary.State)
	}
	if shop.Calls("create") != 2 {
		t.Fatalf("expected the run to stop after the first batch, got %d creates", shop.Calls("create"))
	}
	if _, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionAToB); ok {
		t.Fatalf("checkpoint must not advance past an unreachable batch")
	}
}

func TestRunSyncUnorderedSourceCheckpointsAtPassEnd(t *testing.T) {
	var (
		down    atomic.Bool
		creates atomic.Int32
	)
	down.Store(true)
	sap := devkit.NewMemoryClient(core.SystemA, devkit.WithFailure(func(op string, _ core.EntityType, _ string) error {
		if op == "create" && down.Load() && creates.Add(1) == 2 {
			return devkit.Unreachable(core.SystemA, op)
		}
		return nil
	}))
	shop := devkit.NewMemoryClient(core.SystemB, devkit.WithUnorderedFetch())
	h := newHarnessWithClients(t, sap, shop, nil)
	// Listed by id, so the newer collection comes first.
	h.shop.Put(shopCollection(1, "Late edit", baseTime.Add(5*time.Hour)), shopCollection(2, "Early edit", baseTime.Add(time.Hour)))
	req := RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionBToA, Mode: core.SyncModeIncremental, BatchSize: 1}

	if _, err := h.orch.RunSync(context.Background(), req); !errors.Is(err, core.ErrSystemUnavailable) {
		t.Fatalf("expected system unavailable, got %v", err)
	}
	if len(h.sap.Records(core.EntityGroup)) != 1 {
		t.Fatalf("expected only the first collection written, got %d", len(h.sap.Records(core.EntityGroup)))
	}
	if checkpoint, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionBToA); ok {
		t.Fatalf("checkpoint advanced past an unwritten record: %+v", checkpoint)
	}

	down.Store(false)
	summary, err := h.orch.RunSync(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Counts.Created != 1 || len(h.sap.Records(core.EntityGroup)) != 2 {
		t.Fatalf("expected the missed collection to be created, got %+v", summary.Counts)
	}
	saves := h.stores.Checkpoints.Saves()
	if len(saves) != 1 || saves[0].Marker != core.FormatMarker(baseTime.Add(5*time.Hour)) {
		t.Fatalf("expected one checkpoint at the newest marker, got %+v", saves)
	}
}

func TestRunSyncOrderedSourceCheckpointsPerBatch(t *testing.T) {
	h := newHarness(t, nil)
	// Inserted newest first; the client lists them by marker.
	h.shop.Put(shopCollection(1, "Late edit", baseTime.Add(5*time.Hour)), shopCollection(2, "Early edit", baseTime.Add(time.Hour)))

	if _, err := h.orch.RunSync(context.Background(), RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionBToA,
		Mode:       core.SyncModeIncremental,
		BatchSize:  1,
	}); err != nil {
		t.Fatalf("run sync: %v", err)
	}
	saves := h.stores.Checkpoints.Saves()
	if len(saves) != 2 {
		t.Fatalf("expected a checkpoint per batch, got %+v", saves)
	}
	if saves[0].Marker != core.FormatMarker(baseTime.Add(time.Hour)) || saves[1].Marker != core.FormatMarker(baseTime.Add(5*time.Hour)) {
		t.Fatalf("expected checkpoints in marker order, got %q then %q", saves[0].Marker, saves[1].Marker)
	}
}

func TestRunSyncCheckpointPersistFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.stores.Checkpoints.SaveErr = errors.New("disk full")
	h.sap.Put(sapGroup(701, "Persist", baseTime), sapGroup(702, "Persist 2", baseTime.Add(time.Minute)))

	summary, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB, BatchSize: 1})
	var persistErr *core.CheckpointPersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected checkpoint persist error, got %v", err)
	}
	if persistErr.Marker != core.FormatMarker(baseTime) {
		t.Fatalf("expected first batch marker, got %q", persistErr.Marker)
	}
	if summary.State != StateFailed || summary.Counts.Created != 1 {
		t.Fatalf("expected failed run after first batch, got state=%s counts=%+v", summary.State, summary.Counts)
	}
}

func TestRunSyncDryRunWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.sap.Put(sapGroup(801, "Dry", baseTime))

	summary, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionAToB, DryRun: true})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if !summary.DryRun || summary.Counts.Skipped != 1 {
		t.Fatalf("expected skipped dry-run record, got %+v", summary.Counts)
	}
	if h.shop.Calls("create") != 0 || h.stores.Mappings.Len() != 0 {
		t.Fatalf("dry run must not write")
	}
	if _, ok, _ := h.stores.Checkpoints.Get(context.Background(), core.EntityGroup, core.DirectionAToB); ok {
		t.Fatalf("dry run must not checkpoint")
	}
}

func TestRunSyncRejectsUnsupportedFlow(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityOrder, Direction: core.DirectionAToB}); !errors.Is(err, core.ErrUnsupportedFlow) {
		t.Fatalf("expected unsupported flow, got %v", err)
	}
	if _, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB, WithItems: true}); !errors.Is(err, core.ErrUnsupportedFlow) {
		t.Fatalf("expected with-items on items to be rejected, got %v", err)
	}
	if _, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: "widget", Direction: core.DirectionAToB}); !errors.Is(err, core.ErrInvalidEntityType) {
		t.Fatalf("expected invalid entity, got %v", err)
	}
}

// seedConflict prepares a group edited on both sides after the last sync:
// SAP at sapAt, Shopify at shopAt, both checkpoints at baseTime.
func seedConflict(t *testing.T, policy core.ConflictPolicy, sapAt, shopAt time.Time) *harness {
	t.Helper()
	h := newHarness(t, func(cfg *core.Config) {
		cfg.Sync.ConflictPolicy = policy
	})
	ctx := context.Background()
	h.sap.Put(sapGroup(100, "SAP Name", sapAt))
	h.shop.Put(shopCollection(500, "Shop Name", shopAt))
	key := core.IDMappingKey{EntityType: core.EntityGroup, SourceSystem: core.SystemA, SourceID: "100", TargetSystem: core.SystemB}
	if _, err := h.stores.Mappings.Put(ctx, key, "500"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	if _, err := h.stores.Mappings.Put(ctx, key.Reverse("500"), "100"); err != nil {
		t.Fatalf("seed reverse mapping: %v", err)
	}
	for _, direction := range []core.Direction{core.DirectionAToB, core.DirectionBToA} {
		if _, err := h.stores.Checkpoints.Save(ctx, core.SyncCheckpoint{
			EntityType: core.EntityGroup,
			Direction:  direction,
			Marker:     core.FormatMarker(baseTime),
		}); err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}
	}
	return h
}

func runBoth(t *testing.T, h *harness) RunSummary {
	t.Helper()
	summary, err := h.orch.RunSync(context.Background(), RunRequest{EntityType: core.EntityGroup, Direction: core.DirectionBoth})
	if err != nil {
		t.Fatalf("run both: %v", err)
	}
	if len(summary.Passes) != 2 || summary.Passes[0].Direction != core.DirectionAToB {
		t.Fatalf("expected a_to_b then b_to_a passes, got %+v", summary.Passes)
	}
	return summary
}

func sapGroupName(t *testing.T, h *harness) string {
	t.Helper()
	record, err := h.sap.GetEntity(context.Background(), core.EntityGroup, "100")
	if err != nil {
		t.Fatalf("get sap group: %v", err)
	}
	return record.String("Name")
}

func shopTitle(t *testing.T, h *harness) string {
	t.Helper()
	record, err := h.shop.GetEntity(context.Background(), core.EntityGroup, "500")
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	return record.String("title")
}

func TestBothNewestWinsDefersToNewerTarget(t *testing.T) {
	h := seedConflict(t, core.ConflictNewestWins, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	summary := runBoth(t, h)

	if summary.Passes[0].Counts.Skipped != 1 || summary.Passes[1].Counts.Updated != 1 {
		t.Fatalf("expected first pass deferred and second pass applied, got %+v", summary.Passes)
	}
	if sapGroupName(t, h) != "Shop Name" || shopTitle(t, h) != "Shop Name" {
		t.Fatalf("expected newer shopify title on both sides, got %q / %q", sapGroupName(t, h), shopTitle(t, h))
	}
}

func TestBothNewestWinsKeepsNewerSource(t *testing.T) {
	h := seedConflict(t, core.ConflictNewestWins, baseTime.Add(3*time.Hour), baseTime.Add(2*time.Hour))
	summary := runBoth(t, h)

	if summary.Passes[0].Counts.Updated != 1 || summary.Passes[1].Counts.Skipped != 1 {
		t.Fatalf("expected first pass applied and its echo skipped, got %+v", summary.Passes)
	}
	if shopTitle(t, h) != "SAP Name" || sapGroupName(t, h) != "SAP Name" {
		t.Fatalf("expected newer sap name on both sides, got %q / %q", sapGroupName(t, h), shopTitle(t, h))
	}
	if h.sap.Calls("update") != 0 {
		t.Fatalf("echo must not be written back")
	}
}

func TestBothRejectReportsConflictInBothPasses(t *testing.T) {
	h := seedConflict(t, core.ConflictReject, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	summary := runBoth(t, h)

	if summary.Counts.Failed != 2 {
		t.Fatalf("expected both sides rejected, got %+v", summary.Counts)
	}
	var conflict *core.ConflictError
	if !errors.As(summary.Failures[0].Err, &conflict) || conflict.Identity != "100" {
		t.Fatalf("expected conflict error for group 100, got %v", summary.Failures[0].Err)
	}
	if h.sap.Calls("update") != 0 || h.shop.Calls("update") != 0 {
		t.Fatalf("rejected conflicts must not be written")
	}
}

func TestBothLastPassWinsWritesEveryPass(t *testing.T) {
	h := seedConflict(t, core.ConflictLastPassWins, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	runBoth(t, h)

	if h.shop.Calls("update") != 1 || h.sap.Calls("update") != 1 {
		t.Fatalf("expected a write in each pass, got shop=%d sap=%d", h.shop.Calls("update"), h.sap.Calls("update"))
	}
	if shopTitle(t, h) != "SAP Name" {
		t.Fatalf("expected first pass value to survive the round trip, got %q", shopTitle(t, h))
	}
}

func TestBothFirstPassWinsSkipsEchoes(t *testing.T) {
	h := seedConflict(t, core.ConflictFirstPassWins, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	summary := runBoth(t, h)

	if summary.Passes[1].Counts.Skipped != 1 || h.sap.Calls("update") != 0 {
		t.Fatalf("expected the second pass to skip the echo, got %+v", summary.Passes[1].Counts)
	}
	if shopTitle(t, h) != "SAP Name" {
		t.Fatalf("expected first pass value, got %q", shopTitle(t, h))
	}
}

func TestRetryFailedResolvesLedgerEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.shop.Put(devkit.ShopifyCustomer(77, baseTime))
	h.shop.Put(devkit.ShopifyOrder(9001, 77, baseTime.Add(time.Minute), "ITM-1"))
	h.shop.Put(devkit.ShopifyPayment(9001, 1, "9.00", baseTime.Add(2*time.Minute)))

	first, err := h.orch.RunSync(ctx, RunRequest{EntityType: core.EntityPayment, Direction: core.DirectionBToA})
	if err != nil {
		t.Fatalf("payment run: %v", err)
	}
	if first.Counts.Failed != 1 || !errors.Is(first.Failures[0].Err, core.ErrDependencyMissing) {
		t.Fatalf("expected payment to wait for its order, got %+v", first.Failures)
	}

	if _, err := h.orch.RunSync(ctx, RunRequest{EntityType: core.EntityOrder, Direction: core.DirectionBToA}); err != nil {
		t.Fatalf("order run: %v", err)
	}

	retry, err := h.orch.RetryFailed(ctx, core.FailedRecordFilter{EntityType: core.EntityPayment})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.Counts.Created != 1 || retry.Failed() {
		t.Fatalf("expected retried payment to be created, got %+v", retry.Counts)
	}
	open, _ := h.stores.Failed.List(ctx, core.FailedRecordFilter{Status: core.FailedRecordStatusFailed})
	if len(open) != 0 {
		t.Fatalf("expected no open failures, got %+v", open)
	}
	resolved, _ := h.stores.Failed.List(ctx, core.FailedRecordFilter{Status: core.FailedRecordStatusResolved})
	if len(resolved) != 1 || resolved[0].Identity != "9001:1" {
		t.Fatalf("expected payment ledger entry resolved, got %+v", resolved)
	}
}

func TestRetryFailedCountsMissingSource(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.stores.Failed.Record(ctx, core.FailedRecord{
		EntityType: core.EntityPayment,
		Direction:  core.DirectionBToA,
		Identity:   "1:1",
		SourceID:   "1:1",
		Error:      "boom",
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	summary, err := h.orch.RetryFailed(ctx, core.FailedRecordFilter{})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if summary.Counts.Failed != 1 || !core.IsNotFound(summary.Failures[0].Err) {
		t.Fatalf("expected not found failure, got %+v", summary.Failures)
	}
	open, _ := h.stores.Failed.List(ctx, core.FailedRecordFilter{Status: core.FailedRecordStatusFailed})
	if len(open) != 1 || open[0].Attempts != 2 {
		t.Fatalf("expected attempt counted, got %+v", open)
	}
}
