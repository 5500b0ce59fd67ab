package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// Runner executes decoded sync jobs.
type Runner interface {
	RunSync(ctx context.Context, req sync.RunRequest) (sync.RunSummary, error)
	RetryFailed(ctx context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error)
}

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy(cfg core.SyncConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxRetries,
		BaseDelay:       cfg.RetryMinDelay(),
		MaxDelay:        cfg.RetryMaxDelay(),
		DeadLetterOnMax: true,
	}
}

// Delay doubles BaseDelay per attempt, bounded by MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) EnqueueSync(ctx context.Context, req sync.RunRequest) error {
	return a.enqueue(ctx, NewSyncJob(req))
}

func (a *EnqueuerAdapter) EnqueueRetry(ctx context.Context, filter core.FailedRecordFilter) error {
	return a.enqueue(ctx, NewRetryJob(filter))
}

// ScheduleIncremental enqueues one incremental job per entity, in the order
// given. Callers list groups before items so dependents see their parents.
func (a *EnqueuerAdapter) ScheduleIncremental(ctx context.Context, direction core.Direction, entities ...core.EntityType) error {
	for _, entity := range entities {
		if err := a.EnqueueSync(ctx, sync.RunRequest{
			EntityType: entity,
			Direction:  direction,
			Mode:       core.SyncModeIncremental,
		}); err != nil {
			return fmt.Errorf("gojob: schedule %s: %w", entity, err)
		}
	}
	return nil
}

func (a *EnqueuerAdapter) enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return a.enqueuer.Enqueue(ctx, msg)
}

// Processor turns a queue delivery into an orchestrator call and settles the
// delivery from the outcome.
type Processor struct {
	runner    Runner
	policy    RetryPolicy
	hook      worker.Hook
	telemetry core.Telemetry
	now       core.Clock
}

type ProcessorOption func(*Processor)

func WithHook(hook worker.Hook) ProcessorOption {
	return func(p *Processor) {
		p.hook = hook
	}
}

func WithTelemetry(telemetry core.Telemetry) ProcessorOption {
	return func(p *Processor) {
		p.telemetry = telemetry
	}
}

func WithClock(clock core.Clock) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

func NewProcessor(runner Runner, policy RetryPolicy, opts ...ProcessorOption) *Processor {
	p := &Processor{runner: runner, policy: policy, now: core.DefaultClock}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Process runs the job carried by delivery. Runs that finish, even with
// failed records, are acked since failures are already in the ledger.
// Unreachable systems and other transient errors are requeued with backoff;
// anything else is dead-lettered.
func (p *Processor) Process(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if p == nil || p.runner == nil {
		return fmt.Errorf("gojob: runner is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	if attempt <= 0 {
		attempt = 1
	}
	msg := delivery.Message()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: p.now()}
	p.onStart(ctx, event)

	summary, runErr := p.execute(ctx, msg)
	event.Duration = p.now().Sub(event.StartedAt)
	event.Err = runErr

	if runErr == nil {
		p.telemetry.Info(ctx, "sync job completed", map[string]any{
			"job_id":  jobID(msg),
			"run_id":  summary.RunID,
			"created": summary.Counts.Created,
			"updated": summary.Counts.Updated,
			"skipped": summary.Counts.Skipped,
			"failed":  summary.Counts.Failed,
		})
		p.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	nack := queue.NackOptions{Reason: runErr.Error()}
	if retryable(runErr) {
		nack.Requeue = true
		nack.Delay = p.policy.Delay(attempt)
	} else {
		nack.DeadLetter = true
	}
	nack = p.policy.NormalizeAttempt(nack, attempt)
	event.Delay = nack.Delay
	if nack.Requeue {
		p.onRetry(ctx, event)
	} else {
		p.onFailure(ctx, event)
	}
	if err := delivery.Nack(ctx, nack); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (p *Processor) execute(ctx context.Context, msg *job.ExecutionMessage) (sync.RunSummary, error) {
	switch jobID(msg) {
	case JobIDSyncRun, JobIDSyncIncremental:
		req, err := DecodeRunRequest(msg)
		if err != nil {
			return sync.RunSummary{}, err
		}
		return p.runner.RunSync(ctx, req)
	case JobIDRetryFailed:
		filter, err := DecodeRetryFilter(msg)
		if err != nil {
			return sync.RunSummary{}, err
		}
		return p.runner.RetryFailed(ctx, filter)
	default:
		return sync.RunSummary{}, fmt.Errorf("gojob: unknown job id %q", jobID(msg))
	}
}

func retryable(err error) bool {
	return core.IsTransient(err) ||
		errors.Is(err, core.ErrSystemUnavailable) ||
		errors.Is(err, core.ErrRunInProgress)
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return strings.TrimSpace(msg.JobID)
}

func (p *Processor) onStart(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnStart(ctx, event)
	}
}

func (p *Processor) onSuccess(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnSuccess(ctx, event)
	}
}

func (p *Processor) onFailure(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnFailure(ctx, event)
	}
}

func (p *Processor) onRetry(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnRetry(ctx, event)
	}
}

// Worker pulls deliveries one at a time and hands them to a Processor.
// Attempts are tracked per idempotency key for the lifetime of the worker.
type Worker struct {
	dequeuer  queue.Dequeuer
	processor *Processor
	attempts  map[string]int
}

func NewWorker(dequeuer queue.Dequeuer, processor *Processor) *Worker {
	return &Worker{dequeuer: dequeuer, processor: processor, attempts: map[string]int{}}
}

// RunOnce dequeues and processes a single delivery.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.processor == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	key := attemptKey(delivery.Message())
	w.attempts[key]++
	err = w.processor.Process(ctx, delivery, w.attempts[key])
	if err == nil {
		delete(w.attempts, key)
	}
	return err
}

func attemptKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return jobID(msg)
}

// TelemetryHook reports worker lifecycle events through core.Telemetry.
type TelemetryHook struct {
	telemetry core.Telemetry
}

func NewTelemetryHook(telemetry core.Telemetry) *TelemetryHook {
	return &TelemetryHook{telemetry: telemetry}
}

func (h *TelemetryHook) OnStart(ctx context.Context, event worker.Event) {
	h.report(ctx, "start", event)
}

func (h *TelemetryHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.report(ctx, "success", event)
}

func (h *TelemetryHook) OnFailure(ctx context.Context, event worker.Event) {
	h.report(ctx, "failure", event)
}

func (h *TelemetryHook) OnRetry(ctx context.Context, event worker.Event) {
	h.report(ctx, "retry", event)
}

func (h *TelemetryHook) report(ctx context.Context, phase string, event worker.Event) {
	if h == nil {
		return
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	tags := map[string]string{"job_id": jobID(message), "phase": phase}
	h.telemetry.Count(ctx, "sync.job."+phase, 1, tags)
	fields := map[string]any{
		"job_id":  jobID(message),
		"attempt": event.Attempt,
	}
	switch phase {
	case "start":
		h.telemetry.Debug(ctx, "sync job started", fields)
	case "success":
		h.telemetry.Observe(ctx, "sync.job.duration_ms", float64(event.Duration.Milliseconds()), tags)
		h.telemetry.Info(ctx, "sync job succeeded", fields)
	case "retry":
		fields["delay"] = event.Delay.String()
		fields["error"] = errorText(event.Err)
		h.telemetry.Warn(ctx, "sync job retrying", fields)
	default:
		fields["error"] = errorText(event.Err)
		h.telemetry.Error(ctx, "sync job failed", fields)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ worker.Hook = (*TelemetryHook)(nil)
	_ Runner      = (*sync.Orchestrator)(nil)
)
