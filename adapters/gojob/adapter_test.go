package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestSyncJobRoundTrip(t *testing.T) {
	req := sync.RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionBToA,
		Mode:       core.SyncModeFull,
		BatchSize:  25,
		Scope:      core.Scope{GroupID: " 100 "},
		WithItems:  true,
	}
	msg := NewSyncJob(req)
	if msg.JobID != JobIDSyncRun {
		t.Fatalf("expected %q, got %q", JobIDSyncRun, msg.JobID)
	}
	if msg.IdempotencyKey != "group:b_to_a:full:100" {
		t.Fatalf("unexpected idempotency key %q", msg.IdempotencyKey)
	}
	if msg.DedupPolicy != DedupDrop {
		t.Fatalf("expected drop dedup policy, got %q", msg.DedupPolicy)
	}

	decoded, err := DecodeRunRequest(msg)
	if err != nil {
		t.Fatalf("decode run request: %v", err)
	}
	if decoded.EntityType != core.EntityGroup || decoded.Direction != core.DirectionBToA {
		t.Fatalf("unexpected decoded flow: %#v", decoded)
	}
	if decoded.BatchSize != 25 || decoded.Scope.GroupID != "100" || !decoded.WithItems || decoded.DryRun {
		t.Fatalf("unexpected decoded options: %#v", decoded)
	}
}

func TestDecodeRunRequest_AcceptsJSONShapedParameters(t *testing.T) {
	decoded, err := DecodeRunRequest(&job.ExecutionMessage{
		JobID: JobIDSyncIncremental,
		Parameters: map[string]any{
			"entity_type": "products",
			"direction":   "sap-to-shopify",
			"batch_size":  float64(10),
			"dry_run":     "true",
		},
	})
	if err != nil {
		t.Fatalf("decode run request: %v", err)
	}
	if decoded.EntityType != core.EntityItem || decoded.Mode != core.SyncModeIncremental {
		t.Fatalf("unexpected decoded request: %#v", decoded)
	}
	if decoded.BatchSize != 10 || !decoded.DryRun {
		t.Fatalf("unexpected decoded options: %#v", decoded)
	}

	if _, err := DecodeRunRequest(&job.ExecutionMessage{
		JobID:      JobIDSyncRun,
		Parameters: map[string]any{"entity_type": "group", "direction": "both", "batch_size": 2.5},
	}); err == nil {
		t.Fatalf("expected fractional batch size to fail")
	}
}

func TestRetryJobRoundTrip(t *testing.T) {
	msg := NewRetryJob(core.FailedRecordFilter{EntityType: core.EntityPayment, Limit: 5})
	if msg.JobID != JobIDRetryFailed || msg.IdempotencyKey != "retry:payment" {
		t.Fatalf("unexpected retry job: %#v", msg)
	}
	filter, err := DecodeRetryFilter(msg)
	if err != nil {
		t.Fatalf("decode retry filter: %v", err)
	}
	if filter.EntityType != core.EntityPayment || filter.Limit != 5 || filter.Direction != "" {
		t.Fatalf("unexpected filter: %#v", filter)
	}
}

func TestScheduleIncrementalEnqueuesInOrder(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuerAdapter(enqueuer)
	if err := adapter.ScheduleIncremental(context.Background(), core.DirectionAToB, core.EntityGroup, core.EntityItem); err != nil {
		t.Fatalf("schedule incremental: %v", err)
	}
	if len(enqueuer.messages) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(enqueuer.messages))
	}
	for idx, entity := range []string{"group", "item"} {
		msg := enqueuer.messages[idx]
		if msg.JobID != JobIDSyncIncremental || msg.Parameters["entity_type"] != entity {
			t.Fatalf("unexpected job %d: %#v", idx, msg)
		}
	}
}

func TestProcessorAcksCompletedRun(t *testing.T) {
	runner := &stubRunner{summary: sync.RunSummary{RunID: "run_1", Counts: core.OutcomeCounts{Created: 1, Failed: 1}}}
	hook := &capturingHook{}
	delivery := &stubQueueDelivery{msg: NewSyncJob(sync.RunRequest{EntityType: core.EntityOrder, Direction: core.DirectionBToA})}

	processor := NewProcessor(runner, RetryPolicy{MaxAttempts: 3}, WithHook(hook))
	if err := processor.Process(context.Background(), delivery, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack without nack")
	}
	if runner.lastRequest.EntityType != core.EntityOrder {
		t.Fatalf("expected order run, got %#v", runner.lastRequest)
	}
	if hook.starts != 1 || hook.successes != 1 {
		t.Fatalf("expected start and success hooks, got %+v", hook)
	}
}

func TestProcessorRequeuesTransientFailures(t *testing.T) {
	runner := &stubRunner{err: core.NewTransientError(core.SystemB, "fetch", 503, errors.New("unavailable"))}
	hook := &capturingHook{}
	delivery := &stubQueueDelivery{msg: NewSyncJob(sync.RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB})}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	err := NewProcessor(runner, policy, WithHook(hook)).Process(context.Background(), delivery, 2)
	if !core.IsTransient(err) {
		t.Fatalf("expected transient error returned, got %v", err)
	}
	if !delivery.nackOpts.Requeue || delivery.nackOpts.DeadLetter {
		t.Fatalf("expected requeue, got %#v", delivery.nackOpts)
	}
	if delivery.nackOpts.Delay != 8*time.Second {
		t.Fatalf("expected 8s backoff, got %s", delivery.nackOpts.Delay)
	}
	if hook.retries != 1 || hook.lastRetry.Delay != 8*time.Second {
		t.Fatalf("expected retry hook with delay, got %+v", hook)
	}
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	runner := &stubRunner{err: core.ErrSystemUnavailable}
	delivery := &stubQueueDelivery{msg: NewSyncJob(sync.RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB})}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	_ = NewProcessor(runner, policy).Process(context.Background(), delivery, 3)
	if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %#v", delivery.nackOpts)
	}
}

func TestProcessorDeadLettersUnknownJobs(t *testing.T) {
	hook := &capturingHook{}
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "erpsync.unknown"}}
	err := NewProcessor(&stubRunner{}, RetryPolicy{}, WithHook(hook)).Process(context.Background(), delivery, 1)
	if err == nil {
		t.Fatalf("expected unknown job error")
	}
	if !delivery.nackOpts.DeadLetter || delivery.nackOpts.Requeue {
		t.Fatalf("expected dead letter, got %#v", delivery.nackOpts)
	}
	if hook.failures != 1 {
		t.Fatalf("expected failure hook, got %+v", hook)
	}
}

func TestWorkerTracksAttemptsPerKey(t *testing.T) {
	msg := NewRetryJob(core.FailedRecordFilter{})
	first := &stubQueueDelivery{msg: msg}
	second := &stubQueueDelivery{msg: msg}
	dequeuer := &stubQueueDequeuer{deliveries: []queue.Delivery{first, second}}
	runner := &stubRunner{err: core.ErrSystemUnavailable}
	policy := RetryPolicy{MaxAttempts: 2, DeadLetterOnMax: true}

	w := NewWorker(dequeuer, NewProcessor(runner, policy))
	_ = w.RunOnce(context.Background())
	_ = w.RunOnce(context.Background())

	if !first.nackOpts.Requeue {
		t.Fatalf("expected first attempt requeued, got %#v", first.nackOpts)
	}
	if !second.nackOpts.DeadLetter {
		t.Fatalf("expected second attempt dead-lettered, got %#v", second.nackOpts)
	}
}

func TestRetryPolicyDelayIsBounded(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second}
	cases := map[int]time.Duration{1: 4 * time.Second, 2: 8 * time.Second, 3: 10 * time.Second, 9: 10 * time.Second}
	for attempt, want := range cases {
		if got := policy.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestTelemetryHookCountsPhases(t *testing.T) {
	metrics := &capturingMetrics{}
	hook := NewTelemetryHook(core.Telemetry{Metrics: metrics})
	event := worker.Event{
		Message:  &job.ExecutionMessage{JobID: JobIDSyncIncremental},
		Attempt:  2,
		Delay:    5 * time.Second,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	}
	hook.OnRetry(context.Background(), event)
	hook.OnSuccess(context.Background(), event)

	if metrics.counters["sync.job.retry"] != 1 || metrics.counters["sync.job.success"] != 1 {
		t.Fatalf("unexpected counters: %#v", metrics.counters)
	}
	if metrics.histograms["sync.job.duration_ms"] != 250 {
		t.Fatalf("expected duration observation, got %#v", metrics.histograms)
	}
	if metrics.lastTags["job_id"] != JobIDSyncIncremental {
		t.Fatalf("expected job id tag, got %#v", metrics.lastTags)
	}
}

type stubRunner struct {
	summary     sync.RunSummary
	err         error
	lastRequest sync.RunRequest
	lastFilter  core.FailedRecordFilter
}

func (s *stubRunner) RunSync(_ context.Context, req sync.RunRequest) (sync.RunSummary, error) {
	s.lastRequest = req
	return s.summary, s.err
}

func (s *stubRunner) RetryFailed(_ context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error) {
	s.lastFilter = filter
	return s.summary, s.err
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, nil
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	starts    int
	successes int
	failures  int
	retries   int
	lastRetry worker.Event
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   { h.starts++ }
func (h *capturingHook) OnSuccess(context.Context, worker.Event) { h.successes++ }
func (h *capturingHook) OnFailure(context.Context, worker.Event) { h.failures++ }
func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.retries++
	h.lastRetry = event
}

type capturingMetrics struct {
	counters   map[string]int64
	histograms map[string]float64
	lastTags   map[string]string
}

func (m *capturingMetrics) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
	m.lastTags = tags
}

func (m *capturingMetrics) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if m.histograms == nil {
		m.histograms = map[string]float64{}
	}
	m.histograms[name] = value
}
