package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dependencies are the collaborators of an Orchestrator. Failed and Runs are
// optional; without them failures are only reported in the summary.
type Dependencies struct {
	Clients     map[core.System]core.SystemClient
	Translator  *core.Translator
	Mappings    core.IDMappingStore
	Checkpoints core.CheckpointStore
	Failed      core.FailedRecordStore
	Runs        core.RunStore
	Config      core.Config
	Telemetry   core.Telemetry
}

type Option func(*Orchestrator)

func WithClock(clock core.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithEntityService replaces the service used for one entity type.
func WithEntityService(service EntityService) Option {
	return func(o *Orchestrator) {
		if service.EntityType.IsValid() {
			o.services[service.EntityType] = service
		}
	}
}

// RunRequest selects what a run synchronizes.
type RunRequest struct {
	EntityType core.EntityType
	Direction  core.Direction
	Mode       core.SyncMode
	// BatchSize overrides the configured batch size when positive.
	BatchSize int
	Scope     core.Scope
	// WithItems follows a group pass with the items of every group written.
	WithItems bool
	// DryRun translates and validates without writing anything.
	DryRun bool
}

// PassSummary reports one entity pass in one direction.
type PassSummary struct {
	EntityType core.EntityType    `json:"entity_type"`
	Direction  core.Direction     `json:"direction"`
	Scope      core.Scope         `json:"scope"`
	Counts     core.OutcomeCounts `json:"counts"`
	Batches    int                `json:"batches"`
	Checkpoint string             `json:"checkpoint,omitempty"`
}

type RunSummary struct {
	RunID      string             `json:"run_id"`
	EntityType core.EntityType    `json:"entity_type"`
	Direction  core.Direction     `json:"direction"`
	Mode       core.SyncMode      `json:"mode"`
	State      State              `json:"state"`
	Counts     core.OutcomeCounts `json:"counts"`
	Passes     []PassSummary      `json:"passes"`
	Failures   []core.SyncResult  `json:"-"`
	Cancelled  bool               `json:"cancelled"`
	DryRun     bool               `json:"dry_run"`
	Error      string             `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Failed reports whether any record ended in the failed outcome.
func (s RunSummary) Failed() bool {
	return s.Counts.Failed > 0
}

// Orchestrator drives sync runs: selection, translation, idempotent writes
// and checkpointing.
type Orchestrator struct {
	deps      Dependencies
	services  map[core.EntityType]EntityService
	observers []Observer
	now       core.Clock
	locks     *keyedMutex

	activeMu stdsync.Mutex
	active   map[string]string
}

func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Translator == nil {
		return nil, fmt.Errorf("sync: translator is required")
	}
	if deps.Mappings == nil {
		return nil, fmt.Errorf("sync: id mapping store is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("sync: checkpoint store is required")
	}
	if deps.Config.Sync.BatchSize <= 0 {
		deps.Config.Sync.BatchSize = core.DefaultConfig().Sync.BatchSize
	}
	if deps.Config.Sync.Workers <= 0 {
		deps.Config.Sync.Workers = core.DefaultConfig().Sync.Workers
	}
	if !deps.Config.Sync.ConflictPolicy.IsValid() {
		deps.Config.Sync.ConflictPolicy = core.ConflictNewestWins
	}
	o := &Orchestrator{
		deps:     deps,
		services: DefaultServices(),
		now:      core.DefaultClock,
		locks:    newKeyedMutex(),
		active:   map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Service returns the entity service registered for entity.
func (o *Orchestrator) Service(entity core.EntityType) (EntityService, bool) {
	service, ok := o.services[entity]
	return service, ok
}

// RunSync executes one run. The summary is returned even when err is not nil;
// err reports run-fatal conditions: cancellation, an unreachable system or a
// checkpoint that could not be persisted.
func (o *Orchestrator) RunSync(ctx context.Context, req RunRequest) (RunSummary, error) {
	if o == nil {
		return RunSummary{}, fmt.Errorf("sync: orchestrator is nil")
	}
	req, flows, err := o.normalizeRequest(req)
	if err != nil {
		return RunSummary{}, err
	}

	runID := uuid.NewString()
	keys := []string{activeKey(req.EntityType, req.Direction)}
	if req.WithItems {
		keys = append(keys, activeKey(core.EntityItem, req.Direction))
	}
	release, err := o.acquire(runID, keys)
	if err != nil {
		return RunSummary{}, err
	}
	defer release()

	startedAt := o.now()
	r := o.newRun(runID, req)
	r.summary.StartedAt = startedAt
	o.beginRun(ctx, r)

	fields := map[string]any{
		"run_id":      runID,
		"entity_type": string(req.EntityType),
		"direction":   string(req.Direction),
		"mode":        string(req.Mode),
		"dry_run":     req.DryRun,
	}
	o.deps.Telemetry.Info(ctx, "sync.run started", fields)

	runErr := r.execute(ctx, flows)
	o.finishRun(ctx, r, runErr)

	fields["created"] = r.summary.Counts.Created
	fields["updated"] = r.summary.Counts.Updated
	fields["skipped"] = r.summary.Counts.Skipped
	fields["failed"] = r.summary.Counts.Failed
	fields["cancelled"] = r.summary.Cancelled
	o.deps.Telemetry.ObserveOperation(ctx, startedAt, "sync.run", runErr, fields)
	return r.summary, runErr
}

func (o *Orchestrator) normalizeRequest(req RunRequest) (RunRequest, []core.Direction, error) {
	if !req.EntityType.IsValid() {
		return req, nil, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, req.EntityType)
	}
	if !req.Direction.IsValid() {
		return req, nil, fmt.Errorf("%w: %q", core.ErrInvalidDirection, req.Direction)
	}
	if req.Mode == "" {
		req.Mode = core.SyncModeFull
	}
	if !req.Mode.IsValid() {
		return req, nil, fmt.Errorf("%w: %q", core.ErrInvalidSyncMode, req.Mode)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = o.deps.Config.Sync.BatchSize
	}
	req.Scope = req.Scope.Normalize()
	if req.WithItems && req.EntityType != core.EntityGroup {
		return req, nil, fmt.Errorf("%w: with items applies to groups only", core.ErrUnsupportedFlow)
	}
	service, ok := o.services[req.EntityType]
	if !ok {
		return req, nil, fmt.Errorf("%w: no service for %q", core.ErrInvalidEntityType, req.EntityType)
	}

	candidates := []core.Direction{req.Direction}
	if req.Direction == core.DirectionBoth {
		candidates = o.deps.Config.Sync.BothOrder.Passes()
	}
	var flows []core.Direction
	for _, flow := range candidates {
		if !service.Supports(flow) {
			continue
		}
		if err := o.requireClients(flow); err != nil {
			return req, nil, err
		}
		flows = append(flows, flow)
	}
	if len(flows) == 0 {
		return req, nil, fmt.Errorf("%w: %s %s", core.ErrUnsupportedFlow, req.EntityType, req.Direction.Label())
	}
	return req, flows, nil
}

func (o *Orchestrator) requireClients(flow core.Direction) error {
	for _, system := range []core.System{flow.Source(), flow.Target()} {
		if o.deps.Clients[system] == nil {
			return fmt.Errorf("sync: %s client is not configured", system)
		}
	}
	return nil
}

func activeKey(entity core.EntityType, direction core.Direction) string {
	return string(entity) + "|" + string(direction)
}

// acquire marks every (entity, direction) pair busy, including the passes a
// "both" run implies.
func (o *Orchestrator) acquire(runID string, keys []string) (func(), error) {
	expanded := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		entity, direction, _ := strings.Cut(key, "|")
		if core.Direction(direction) == core.DirectionBoth {
			expanded = append(expanded,
				activeKey(core.EntityType(entity), core.DirectionAToB),
				activeKey(core.EntityType(entity), core.DirectionBToA))
			continue
		}
		expanded = append(expanded, key)
	}

	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	for _, key := range expanded {
		if owner, busy := o.active[key]; busy {
			return nil, fmt.Errorf("%w: %s held by run %s", core.ErrRunInProgress, key, owner)
		}
	}
	for _, key := range expanded {
		o.active[key] = runID
	}
	return func() {
		o.activeMu.Lock()
		defer o.activeMu.Unlock()
		for _, key := range expanded {
			delete(o.active, key)
		}
	}, nil
}

func (o *Orchestrator) beginRun(ctx context.Context, r *run) {
	if o.deps.Runs == nil {
		return
	}
	if _, err := o.deps.Runs.Begin(ctx, core.SyncRun{
		ID:         r.id,
		EntityType: r.req.EntityType,
		Direction:  r.req.Direction,
		Mode:       r.req.Mode,
		Status:     core.RunStatusRunning,
		StartedAt:  r.summary.StartedAt,
	}); err != nil {
		o.deps.Telemetry.Warn(ctx, "sync.run ledger begin failed", map[string]any{"run_id": r.id, "error": err.Error()})
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, r *run, runErr error) {
	finishedAt := o.now()
	r.summary.FinishedAt = finishedAt
	status := core.RunStatusSucceeded
	switch {
	case r.summary.Cancelled:
		status = core.RunStatusCancelled
		_ = r.machine.TransitionTo(ctx, StateIdle)
	case runErr != nil:
		status = core.RunStatusFailed
		r.machine.fail(ctx)
	default:
		if r.summary.Failed() {
			status = core.RunStatusFailed
		}
		_ = r.machine.TransitionTo(ctx, StateIdle)
	}
	if runErr != nil {
		r.summary.Error = runErr.Error()
	}
	r.summary.State = r.machine.State()

	if o.deps.Runs == nil {
		return
	}
	ledgerCtx := context.WithoutCancel(ctx)
	if _, err := o.deps.Runs.Finish(ledgerCtx, core.SyncRun{
		ID:         r.id,
		EntityType: r.req.EntityType,
		Direction:  r.req.Direction,
		Mode:       r.req.Mode,
		Status:     status,
		Counts:     r.summary.Counts,
		Error:      r.summary.Error,
		StartedAt:  r.summary.StartedAt,
		FinishedAt: &finishedAt,
	}); err != nil {
		o.deps.Telemetry.Warn(ctx, "sync.run ledger finish failed", map[string]any{"run_id": r.id, "error": err.Error()})
	}
}

// RetryFailed re-reads every open ledger entry matching filter from its
// source system and runs it through the write path again. Entries that now
// succeed are resolved; the rest have their attempt count increased.
func (o *Orchestrator) RetryFailed(ctx context.Context, filter core.FailedRecordFilter) (RunSummary, error) {
	if o == nil {
		return RunSummary{}, fmt.Errorf("sync: orchestrator is nil")
	}
	if o.deps.Failed == nil {
		return RunSummary{}, fmt.Errorf("sync: failed record store is not configured")
	}
	filter.Status = core.FailedRecordStatusFailed
	entries, err := o.deps.Failed.List(ctx, filter)
	if err != nil {
		return RunSummary{}, err
	}

	startedAt := o.now()
	r := o.newRun(uuid.NewString(), RunRequest{
		EntityType: filter.EntityType,
		Direction:  filter.Direction,
		BatchSize:  o.deps.Config.Sync.BatchSize,
	})
	r.summary.StartedAt = startedAt

	type group struct {
		entity core.EntityType
		flow   core.Direction
	}
	var order []group
	grouped := map[group][]core.FailedRecord{}
	for _, entry := range entries {
		key := group{entity: entry.EntityType, flow: entry.Direction}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], entry)
	}

	var runErr error
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			r.summary.Cancelled = true
			runErr = err
			break
		}
		if err := o.requireClients(key.flow); err != nil {
			runErr = err
			break
		}
		if _, ok := o.services[key.entity]; !ok {
			continue
		}
		if err := r.retryGroup(ctx, key.entity, key.flow, grouped[key]); err != nil {
			runErr = err
			break
		}
	}

	r.summary.FinishedAt = o.now()
	if runErr != nil {
		r.summary.Error = runErr.Error()
		if !r.summary.Cancelled {
			r.machine.fail(ctx)
		}
	}
	if r.machine.State() != StateFailed {
		_ = r.machine.TransitionTo(ctx, StateIdle)
	}
	r.summary.State = r.machine.State()
	o.deps.Telemetry.ObserveOperation(ctx, startedAt, "sync.retry", runErr, map[string]any{
		"run_id":      r.id,
		"entity_type": string(filter.EntityType),
		"direction":   string(filter.Direction),
		"entries":     len(entries),
		"resolved":    r.summary.Counts.Total() - r.summary.Counts.Failed,
		"failed":      r.summary.Counts.Failed,
	})
	return r.summary, runErr
}

// pass is one entity walked in one direction.
type pass struct {
	entity  core.EntityType
	flow    core.Direction
	scope   core.Scope
	mode    core.SyncMode
	service EntityService
	// persist enables checkpoint writes. Scoped and dry runs never persist.
	persist bool
	// detect enables conflict checks against the reverse checkpoint.
	detect bool
	// skipEchoes skips records the previous pass of this run just wrote.
	skipEchoes bool
	// ledger enables failed-record bookkeeping.
	ledger bool
	// ordered is set when the source lists records by ascending marker, so
	// each batch may advance the checkpoint. Otherwise the highest marker is
	// held in pending until the pass completes.
	ordered   bool
	pending   string
	committed string

	summary      *PassSummary
	openFailures map[string]string
}

type recordKey struct {
	entity core.EntityType
	system core.System
	id     string
}

// run holds the state shared by the passes of one RunSync call.
type run struct {
	o       *Orchestrator
	id      string
	req     RunRequest
	machine *machine

	mu       stdsync.Mutex
	summary  RunSummary
	written  map[recordKey]struct{}
	rejected map[recordKey]*core.ConflictError
}

func (o *Orchestrator) newRun(runID string, req RunRequest) *run {
	return &run{
		o:       o,
		id:      runID,
		req:     req,
		machine: newMachine(runID, o.now, o.observers),
		summary: RunSummary{
			RunID:      runID,
			EntityType: req.EntityType,
			Direction:  req.Direction,
			Mode:       req.Mode,
			State:      StateIdle,
			DryRun:     req.DryRun,
		},
		written:  map[recordKey]struct{}{},
		rejected: map[recordKey]*core.ConflictError{},
	}
}

func (r *run) execute(ctx context.Context, flows []core.Direction) error {
	policy := r.o.deps.Config.Sync.ConflictPolicy
	both := len(flows) > 1
	for idx, flow := range flows {
		p := r.newPass(r.req.EntityType, flow, r.req.Scope)
		p.detect = both && idx == 0 && policy.DetectsConflicts()
		p.skipEchoes = both && idx > 0 && policy != core.ConflictLastPassWins

		groups, err := r.runPass(ctx, p)
		if err != nil {
			return err
		}
		if !r.req.WithItems {
			continue
		}
		for _, groupID := range groups {
			item := r.newPass(core.EntityItem, flow, core.Scope{GroupID: groupID})
			item.detect = p.detect
			item.skipEchoes = p.skipEchoes
			if _, err := r.runPass(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) newPass(entity core.EntityType, flow core.Direction, scope core.Scope) *pass {
	return &pass{
		entity:  entity,
		flow:    flow,
		scope:   scope,
		mode:    r.req.Mode,
		service: r.o.services[entity],
		persist: scope.IsZero() && !r.req.DryRun,
		ledger:  !r.req.DryRun,
	}
}

// runPass selects and processes every batch of one pass. It returns the source
// ids of the records that reached a successful outcome, which the group
// cascade uses to scope item passes.
func (r *run) runPass(ctx context.Context, p *pass) ([]string, error) {
	o := r.o
	source := o.deps.Clients[p.flow.Source()]
	p.summary = &PassSummary{EntityType: p.entity, Direction: p.flow, Scope: p.scope}
	r.machine.enterPass(p.entity, p.flow)
	if err := r.machine.TransitionTo(ctx, StateSelecting); err != nil {
		return nil, err
	}

	since := ""
	if p.mode == core.SyncModeIncremental {
		checkpoint, ok, err := o.deps.Checkpoints.Get(ctx, p.entity, p.flow)
		if err != nil {
			return nil, fmt.Errorf("sync: load checkpoint %s/%s: %w", p.entity, p.flow, err)
		}
		if ok {
			since = checkpoint.Marker
			p.summary.Checkpoint = checkpoint.Marker
		}
	}
	p.openFailures = r.openFailures(ctx, p)
	if ordered, ok := source.(core.MarkerOrderedFetcher); ok {
		p.ordered = ordered.FetchesInMarkerOrder(p.entity)
	}

	var (
		batch     = make([]core.CanonicalRecord, 0, r.req.BatchSize)
		succeeded []string
		fatal     error
	)
	process := func() bool {
		ids, err := r.processBatch(ctx, p, batch)
		succeeded = append(succeeded, ids...)
		batch = make([]core.CanonicalRecord, 0, r.req.BatchSize)
		if err != nil {
			fatal = err
			return false
		}
		return ctx.Err() == nil
	}
	fetchErr := p.service.Fetch(ctx, source, p.scope, since, r.req.BatchSize, func(record core.CanonicalRecord) bool {
		// Some systems filter at day granularity; never revisit anything
		// older than the checkpoint.
		if since != "" && core.CompareMarkers(record.Marker(), since) < 0 {
			return true
		}
		batch = append(batch, record)
		if len(batch) < r.req.BatchSize {
			return true
		}
		return process()
	})

	switch {
	case fatal != nil:
		r.addPass(p)
		return succeeded, fatal
	case ctx.Err() != nil:
		r.markCancelled()
		r.addPass(p)
		return succeeded, ctx.Err()
	case fetchErr != nil:
		r.addPass(p)
		if core.IsUnreachable(fetchErr) {
			return succeeded, fmt.Errorf("%w: %w", core.ErrSystemUnavailable, fetchErr)
		}
		return succeeded, fmt.Errorf("sync: fetch %s from %s: %w", p.entity, p.flow.Source(), fetchErr)
	}
	if len(batch) > 0 {
		process()
		if fatal != nil {
			r.addPass(p)
			return succeeded, fatal
		}
	}
	if p.persist && !p.ordered && p.pending != "" {
		fields := map[string]any{
			"run_id":      r.id,
			"entity_type": string(p.entity),
			"direction":   string(p.flow),
		}
		if err := r.commitCheckpoint(ctx, context.WithoutCancel(ctx), p, fields); err != nil {
			fields["error"] = err.Error()
			o.deps.Telemetry.Error(ctx, "sync.checkpoint commit failed", fields)
			r.addPass(p)
			return succeeded, err
		}
		if err := r.machine.TransitionTo(ctx, StateSelecting); err != nil {
			r.addPass(p)
			return succeeded, err
		}
	}
	r.addPass(p)
	return succeeded, nil
}

// commitCheckpoint saves the pending marker of p.
func (r *run) commitCheckpoint(ctx, work context.Context, p *pass, fields map[string]any) error {
	o := r.o
	if err := r.machine.TransitionTo(ctx, StateCheckpointing); err != nil {
		return err
	}
	marker := p.pending
	if marker == "" || marker == p.committed {
		return nil
	}
	saved, err := o.deps.Checkpoints.Save(work, core.SyncCheckpoint{
		EntityType: p.entity,
		Direction:  p.flow,
		Marker:     marker,
		Status:     core.CheckpointStatusInProgress,
		RunID:      r.id,
		UpdatedAt:  o.now(),
	})
	if err != nil {
		return &core.CheckpointPersistError{EntityType: p.entity, Direction: p.flow, Marker: marker, Err: err}
	}
	p.committed = saved.Marker
	r.mu.Lock()
	p.summary.Checkpoint = saved.Marker
	r.mu.Unlock()
	fields["checkpoint"] = saved.Marker
	return nil
}

// holdsOrder reports whether markers stay at or above the checkpoint already
// committed by this pass. A source that breaks its ordering drops the pass
// back to a single commit at the end.
func (r *run) holdsOrder(ctx context.Context, p *pass, markers []string) bool {
	if p.committed == "" {
		return true
	}
	for _, marker := range markers {
		if core.CompareMarkers(marker, p.committed) < 0 {
			r.o.deps.Telemetry.Warn(ctx, "sync.checkpoint source out of marker order", map[string]any{
				"run_id":      r.id,
				"entity_type": string(p.entity),
				"direction":   string(p.flow),
				"marker":      marker,
				"checkpoint":  p.committed,
			})
			return false
		}
	}
	return true
}

func (r *run) markCancelled() {
	r.mu.Lock()
	r.summary.Cancelled = true
	r.mu.Unlock()
}

func (r *run) addPass(p *pass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Passes = append(r.summary.Passes, *p.summary)
}

// openFailures indexes unresolved ledger entries by identity so a record that
// now succeeds can resolve its entry.
func (r *run) openFailures(ctx context.Context, p *pass) map[string]string {
	out := map[string]string{}
	if r.o.deps.Failed == nil || !p.ledger {
		return out
	}
	entries, err := r.o.deps.Failed.List(ctx, core.FailedRecordFilter{
		EntityType: p.entity,
		Direction:  p.flow,
		Status:     core.FailedRecordStatusFailed,
	})
	if err != nil {
		r.o.deps.Telemetry.Warn(ctx, "sync.ledger list failed", map[string]any{
			"entity_type": string(p.entity),
			"direction":   string(p.flow),
			"error":       err.Error(),
		})
		return out
	}
	for _, entry := range entries {
		out[entry.Identity] = entry.ID
	}
	return out
}

// pending is a record between translation and write.
type pending struct {
	source     core.CanonicalRecord
	translated core.CanonicalRecord
	identity   string
	done       bool
	result     core.SyncResult
}

// processBatch translates and writes one batch, records failures and advances
// the checkpoint. Work inside a batch is not interrupted by cancellation; ctx
// is consulted between batches. It returns the source ids that succeeded.
func (r *run) processBatch(ctx context.Context, p *pass, records []core.CanonicalRecord) ([]string, error) {
	o := r.o
	work := context.WithoutCancel(ctx)
	batchNo := r.machine.nextBatch()
	startedAt := o.now()

	if err := r.machine.TransitionTo(ctx, StateTranslating); err != nil {
		return nil, err
	}
	prepared := make([]pending, len(records))
	group, groupCtx := errgroup.WithContext(work)
	group.SetLimit(o.deps.Config.Sync.Workers)
	for idx, record := range records {
		group.Go(func() error {
			prepared[idx] = r.translate(groupCtx, p, record)
			return nil
		})
	}
	_ = group.Wait()

	if err := r.machine.TransitionTo(ctx, StateWriting); err != nil {
		return nil, err
	}
	results := make([]core.SyncResult, len(prepared))
	group, groupCtx = errgroup.WithContext(work)
	group.SetLimit(o.deps.Config.Sync.Workers)
	for idx := range prepared {
		if prepared[idx].done {
			results[idx] = prepared[idx].result
			continue
		}
		group.Go(func() error {
			results[idx] = r.write(groupCtx, p, prepared[idx])
			return nil
		})
	}
	_ = group.Wait()

	var (
		counts      core.OutcomeCounts
		succeeded   []string
		unreachable error
		markers     = make([]string, 0, len(records))
	)
	for idx, result := range results {
		counts.Add(result.Outcome)
		markers = append(markers, records[idx].Marker())
		o.deps.Telemetry.Count(work, core.RecordOutcomeMetric(result.Outcome), 1, map[string]string{
			"entity_type": string(p.entity),
			"direction":   string(p.flow),
		})
		if result.Outcome.Succeeded() {
			succeeded = append(succeeded, result.SourceID)
			r.resolveLedger(work, p, result)
			continue
		}
		if unreachable == nil && core.IsUnreachable(result.Err) {
			unreachable = result.Err
		}
		r.recordFailure(work, p, records[idx], result)
	}
	r.addCounts(p, counts, results)

	fields := map[string]any{
		"run_id":      r.id,
		"entity_type": string(p.entity),
		"direction":   string(p.flow),
		"batch":       batchNo,
		"created":     counts.Created,
		"updated":     counts.Updated,
		"skipped":     counts.Skipped,
		"failed":      counts.Failed,
	}

	if unreachable != nil {
		err := fmt.Errorf("%w: %w", core.ErrSystemUnavailable, unreachable)
		o.deps.Telemetry.ObserveOperation(work, startedAt, "sync.batch", err, fields)
		return succeeded, err
	}

	if p.persist {
		p.pending = core.MaxMarker(p.pending, core.MaxMarker(markers...))
		if p.ordered && !r.holdsOrder(work, p, markers) {
			p.ordered = false
		}
		if p.ordered {
			if err := r.commitCheckpoint(ctx, work, p, fields); err != nil {
				o.deps.Telemetry.ObserveOperation(work, startedAt, "sync.batch", err, fields)
				return succeeded, err
			}
		}
	}
	if err := r.machine.TransitionTo(ctx, StateSelecting); err != nil {
		return succeeded, err
	}
	o.deps.Telemetry.ObserveOperation(work, startedAt, "sync.batch", nil, fields)
	return succeeded, nil
}

func (r *run) addCounts(p *pass, counts core.OutcomeCounts, results []core.SyncResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.summary.Counts = p.summary.Counts.Plus(counts)
	p.summary.Batches++
	r.summary.Counts = r.summary.Counts.Plus(counts)
	for _, result := range results {
		if result.Outcome == core.OutcomeFailed {
			r.summary.Failures = append(r.summary.Failures, result)
		}
	}
}

func (r *run) recordFailure(ctx context.Context, p *pass, source core.CanonicalRecord, result core.SyncResult) {
	failed := r.o.deps.Failed
	if failed == nil || !p.ledger {
		return
	}
	if _, err := failed.Record(ctx, core.FailedRecord{
		RunID:      r.id,
		EntityType: p.entity,
		Direction:  p.flow,
		Identity:   result.Identity,
		SourceID:   result.SourceID,
		Error:      result.ErrorDetail(),
		Payload:    source.Fields(),
		Attempts:   1,
		Status:     core.FailedRecordStatusFailed,
	}); err != nil {
		r.o.deps.Telemetry.Warn(ctx, "sync.ledger record failed", map[string]any{
			"entity_type": string(p.entity),
			"identity":    result.Identity,
			"error":       err.Error(),
		})
	}
}

func (r *run) resolveLedger(ctx context.Context, p *pass, result core.SyncResult) {
	ledgerID, ok := p.openFailures[result.Identity]
	if !ok || r.o.deps.Failed == nil {
		return
	}
	if err := r.o.deps.Failed.MarkResolved(ctx, ledgerID); err != nil {
		r.o.deps.Telemetry.Warn(ctx, "sync.ledger resolve failed", map[string]any{
			"identity": result.Identity,
			"error":    err.Error(),
		})
	}
}

func (r *run) newResult(p *pass, record core.CanonicalRecord, identity string) core.SyncResult {
	return core.SyncResult{
		EntityType: p.entity,
		Direction:  p.flow,
		Identity:   identity,
		SourceID:   record.ID(),
		Marker:     record.Marker(),
	}
}

func failResult(result core.SyncResult, err error) core.SyncResult {
	result.Outcome = core.OutcomeFailed
	result.Err = err
	return result
}

// translate prepares and translates one record. Records that cannot be written
// come back done with a failed result.
func (r *run) translate(ctx context.Context, p *pass, record core.CanonicalRecord) pending {
	identity := p.service.Identity(record)
	item := pending{source: record, identity: identity}
	result := r.newResult(p, record, identity)

	prepared, err := p.service.Prepare(ctx, record, resolver{run: r, pass: p})
	if err != nil {
		item.done, item.result = true, failResult(result, err)
		return item
	}
	translator := r.o.deps.Translator
	translation, err := translator.Translate(ctx, prepared, p.flow.Target())
	if err != nil {
		item.done, item.result = true, failResult(result, err)
		return item
	}
	result.Violations = translation.Violations
	item.result = result
	if blocking := translator.BlockingViolations(p.entity, translation.Violations); len(blocking) > 0 {
		item.done, item.result = true, failResult(result, fmt.Errorf(
			"sync: %s %q violates target schema: %w",
			p.entity, identity, errors.Join(violationErrors(blocking)...),
		))
		return item
	}
	item.translated = translation.Record
	return item
}

func violationErrors(violations []core.SchemaViolation) []error {
	out := make([]error, 0, len(violations))
	for _, violation := range violations {
		out = append(out, violation)
	}
	return out
}

// write upserts one translated record. Writes for the same identity are
// serialized.
func (r *run) write(ctx context.Context, p *pass, item pending) core.SyncResult {
	o := r.o
	result := item.result
	source := item.source
	target := o.deps.Clients[p.flow.Target()]

	unlock := o.locks.Lock(string(p.entity) + "|" + item.identity)
	defer unlock()

	self := recordKey{entity: p.entity, system: source.System(), id: source.ID()}
	if conflict := r.rejectedConflict(self); conflict != nil {
		return failResult(result, conflict)
	}
	if p.skipEchoes && r.wasWritten(self) {
		result.Outcome = core.OutcomeSkipped
		result.Detail = "written by the previous pass"
		return result
	}

	key := core.IDMappingKey{
		EntityType:   p.entity,
		SourceSystem: p.flow.Source(),
		SourceID:     source.ID(),
		TargetSystem: p.flow.Target(),
	}
	mapping, found, err := o.deps.Mappings.Lookup(ctx, key)
	if err != nil {
		return failResult(result, fmt.Errorf("sync: lookup id mapping: %w", err))
	}
	targetID := mapping.TargetID
	adopted := false
	if !found {
		if candidate := p.service.adoptKey(item.translated); candidate != "" {
			if _, err := target.GetEntity(ctx, p.entity, candidate); err == nil {
				targetID, found, adopted = candidate, true, true
			} else if !core.IsNotFound(err) {
				return failResult(result, err)
			}
		}
	}
	result.TargetID = targetID

	if found && p.detect {
		write, detail, err := r.resolveConflict(ctx, p, item, targetID)
		if err != nil {
			return failResult(result, err)
		}
		if !write {
			result.Outcome = core.OutcomeSkipped
			result.Detail = detail
			return result
		}
	}

	if r.req.DryRun {
		result.Outcome = core.OutcomeSkipped
		result.Detail = "dry run: would create"
		if found {
			result.Detail = "dry run: would update " + targetID
		}
		return result
	}

	if found {
		outcome, err := target.UpdateEntity(ctx, p.entity, targetID, item.translated)
		switch {
		case err == nil:
			if adopted {
				if err := r.bind(ctx, key, targetID, false); err != nil {
					return failResult(result, err)
				}
			}
			result.Outcome = outcome
			r.markWritten(recordKey{entity: p.entity, system: p.flow.Target(), id: targetID})
			return result
		case !core.IsNotFound(err):
			return failResult(result, err)
		}
		// The target entity is gone; create it again and rebind.
	}

	if missing := o.deps.Translator.CreateViolations(item.translated); len(missing) > 0 {
		result.Violations = append(result.Violations, missing...)
		return failResult(result, fmt.Errorf(
			"sync: %s %q cannot be created: %w",
			p.entity, item.identity, errors.Join(violationErrors(missing)...),
		))
	}
	createdID, err := target.CreateEntity(ctx, p.entity, item.translated)
	if err != nil {
		return failResult(result, err)
	}
	result.TargetID = createdID
	if err := r.bind(ctx, key, createdID, found); err != nil {
		return failResult(result, fmt.Errorf("sync: created %s %s but %w", p.entity, createdID, err))
	}
	result.Outcome = core.OutcomeCreated
	r.markWritten(recordKey{entity: p.entity, system: p.flow.Target(), id: createdID})
	return result
}

// bind persists the mapping in both directions. rebind overwrites a stale
// binding left by a deleted target.
func (r *run) bind(ctx context.Context, key core.IDMappingKey, targetID string, rebind bool) error {
	store := r.o.deps.Mappings
	if rebind {
		if _, err := store.Put(ctx, key, targetID); err != nil {
			return fmt.Errorf("persist id mapping: %w", err)
		}
		if _, err := store.Put(ctx, key.Reverse(targetID), key.SourceID); err != nil {
			return fmt.Errorf("persist reverse id mapping: %w", err)
		}
		return nil
	}
	stored, _, err := store.PutIfAbsent(ctx, key, targetID)
	if err != nil {
		return fmt.Errorf("persist id mapping: %w", err)
	}
	if stored.TargetID != targetID {
		r.o.deps.Telemetry.Warn(ctx, "sync.mapping kept existing binding", map[string]any{
			"entity_type": string(key.EntityType),
			"source_id":   key.SourceID,
			"existing":    stored.TargetID,
			"created":     targetID,
		})
	}
	if _, _, err := store.PutIfAbsent(ctx, key.Reverse(targetID), key.SourceID); err != nil {
		return fmt.Errorf("persist reverse id mapping: %w", err)
	}
	return nil
}

// resolveConflict decides whether the first pass of a "both" run may overwrite
// a target entity. A conflict exists when the target changed after the
// reverse checkpoint, meaning the next pass has not yet carried that change.
func (r *run) resolveConflict(ctx context.Context, p *pass, item pending, targetID string) (bool, string, error) {
	o := r.o
	reverse, ok, err := o.deps.Checkpoints.Get(ctx, p.entity, p.flow.Reverse())
	if err != nil {
		return false, "", fmt.Errorf("sync: load reverse checkpoint: %w", err)
	}
	if !ok || reverse.Marker == "" {
		return true, "", nil
	}
	current, err := o.deps.Clients[p.flow.Target()].GetEntity(ctx, p.entity, targetID)
	if err != nil {
		if core.IsNotFound(err) {
			return true, "", nil
		}
		return false, "", err
	}
	if core.CompareMarkers(current.Marker(), reverse.Marker) <= 0 {
		return true, "", nil
	}

	conflict := &core.ConflictError{
		EntityType:   p.entity,
		Identity:     item.identity,
		SourceMarker: item.source.Marker(),
		TargetMarker: current.Marker(),
	}
	o.deps.Telemetry.Warn(ctx, "sync.conflict", map[string]any{
		"entity_type":   string(p.entity),
		"identity":      item.identity,
		"policy":        string(o.deps.Config.Sync.ConflictPolicy),
		"source_marker": conflict.SourceMarker,
		"target_marker": conflict.TargetMarker,
	})
	switch o.deps.Config.Sync.ConflictPolicy {
	case core.ConflictReject:
		r.mu.Lock()
		r.rejected[recordKey{entity: p.entity, system: p.flow.Target(), id: targetID}] = conflict
		r.mu.Unlock()
		return false, "", conflict
	default:
		if core.CompareMarkers(item.source.Marker(), current.Marker()) >= 0 {
			return true, "", nil
		}
		return false, "target is newer; left for the reverse pass", nil
	}
}

func (r *run) rejectedConflict(key recordKey) *core.ConflictError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[key]
}

func (r *run) markWritten(key recordKey) {
	r.mu.Lock()
	r.written[key] = struct{}{}
	r.mu.Unlock()
}

func (r *run) wasWritten(key recordKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.written[key]
	return ok
}

// retryGroup re-reads ledger entries for one entity and direction and pushes
// them through the batch path.
func (r *run) retryGroup(ctx context.Context, entity core.EntityType, flow core.Direction, entries []core.FailedRecord) error {
	o := r.o
	p := &pass{
		entity:       entity,
		flow:         flow,
		service:      o.services[entity],
		ledger:       true,
		summary:      &PassSummary{EntityType: entity, Direction: flow},
		openFailures: map[string]string{},
	}
	r.machine.enterPass(entity, flow)
	if err := r.machine.TransitionTo(ctx, StateSelecting); err != nil {
		return err
	}
	source := o.deps.Clients[flow.Source()]

	batch := make([]core.CanonicalRecord, 0, r.req.BatchSize)
	for _, entry := range entries {
		p.openFailures[entry.Identity] = entry.ID
		record, err := source.GetEntity(ctx, entity, entry.SourceID)
		if err != nil {
			if core.IsUnreachable(err) {
				r.addPass(p)
				return fmt.Errorf("%w: %w", core.ErrSystemUnavailable, err)
			}
			if markErr := o.deps.Failed.MarkAttempt(ctx, entry.ID, err.Error()); markErr != nil {
				o.deps.Telemetry.Warn(ctx, "sync.ledger attempt failed", map[string]any{"id": entry.ID, "error": markErr.Error()})
			}
			result := failResult(core.SyncResult{
				EntityType: entity,
				Direction:  flow,
				Identity:   entry.Identity,
				SourceID:   entry.SourceID,
			}, err)
			counts := core.OutcomeCounts{}
			counts.Add(core.OutcomeFailed)
			r.addCounts(p, counts, []core.SyncResult{result})
			continue
		}
		batch = append(batch, record)
		if len(batch) >= r.req.BatchSize {
			if _, err := r.processBatch(ctx, p, batch); err != nil {
				r.addPass(p)
				return err
			}
			batch = make([]core.CanonicalRecord, 0, r.req.BatchSize)
		}
	}
	if len(batch) > 0 {
		if _, err := r.processBatch(ctx, p, batch); err != nil {
			r.addPass(p)
			return err
		}
	}
	r.addPass(p)
	return nil
}

// resolver exposes mappings, clients and nested writes to entity services.
type resolver struct {
	run  *run
	pass *pass
}

func (d resolver) MappedID(ctx context.Context, entity core.EntityType, source core.System, sourceID string) (string, bool, error) {
	mapping, ok, err := d.run.o.deps.Mappings.Lookup(ctx, core.IDMappingKey{
		EntityType:   entity,
		SourceSystem: source,
		SourceID:     sourceID,
		TargetSystem: source.Other(),
	})
	if err != nil || !ok {
		return "", false, err
	}
	return mapping.TargetID, true, nil
}

// Ensure writes a dependency record, such as the customer of an order, and
// returns its id in the other system.
func (d resolver) Ensure(ctx context.Context, record core.CanonicalRecord) (string, error) {
	r := d.run
	service, ok := r.o.services[record.EntityType()]
	if !ok {
		return "", fmt.Errorf("%w: no service for %q", core.ErrInvalidEntityType, record.EntityType())
	}
	flow, err := core.FlowBetween(record.System(), record.System().Other())
	if err != nil {
		return "", err
	}
	nested := &pass{
		entity:  record.EntityType(),
		flow:    flow,
		service: service,
		summary: &PassSummary{EntityType: record.EntityType(), Direction: flow},
	}
	item := r.translate(ctx, nested, record)
	if item.done {
		return "", item.result.Err
	}
	if r.req.DryRun {
		if key := service.adoptKey(item.translated); key != "" {
			return key, nil
		}
		return "", dependencyMissing(record, "not written during a dry run")
	}
	result := r.write(ctx, nested, item)
	if !result.Outcome.Succeeded() {
		return "", result.Err
	}
	return result.TargetID, nil
}

func (d resolver) Client(system core.System) core.SystemClient {
	return d.run.o.deps.Clients[system]
}

func (d resolver) Config() core.Config {
	return d.run.o.deps.Config
}
