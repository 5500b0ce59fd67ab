package command

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

func TestRunSyncCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	called := false
	svc := stubSyncService{
		runSyncFn: func(_ context.Context, req sync.RunRequest) (sync.RunSummary, error) {
			called = true
			if req.EntityType != core.EntityGroup || req.Direction != core.DirectionBToA {
				t.Fatalf("unexpected request: %#v", req)
			}
			if !req.WithItems || req.Scope.GroupID != "100" {
				t.Fatalf("expected group scope with items, got %#v", req)
			}
			return sync.RunSummary{RunID: "run_1", Counts: core.OutcomeCounts{Created: 3}}, nil
		},
	}

	cmd := NewRunSyncCommand(svc)
	collector := gocmd.NewResult[sync.RunSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, RunSyncMessage{Request: sync.RunRequest{
		EntityType: core.EntityGroup,
		Direction:  core.DirectionBToA,
		Scope:      core.Scope{GroupID: "100"},
		WithItems:  true,
	}})
	if err != nil {
		t.Fatalf("execute run sync: %v", err)
	}
	if !called {
		t.Fatalf("expected run sync invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.RunID != "run_1" || result.Counts.Created != 3 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunSyncCommand_StoresSummaryOnFailure(t *testing.T) {
	runErr := errors.New("shopify unreachable")
	svc := stubSyncService{
		runSyncFn: func(context.Context, sync.RunRequest) (sync.RunSummary, error) {
			return sync.RunSummary{RunID: "run_2", Counts: core.OutcomeCounts{Created: 1, Failed: 2}}, runErr
		},
	}

	collector := gocmd.NewResult[sync.RunSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewRunSyncCommand(svc).Execute(ctx, RunSyncMessage{Request: sync.RunRequest{
		EntityType: core.EntityOrder,
		Direction:  core.DirectionBToA,
	}})
	if !errors.Is(err, runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Counts.Failed != 2 {
		t.Fatalf("expected partial summary stored, got %#v", result)
	}
}

func TestRetryFailedCommand_PassesFilter(t *testing.T) {
	svc := stubSyncService{
		retryFailedFn: func(_ context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error) {
			if filter.EntityType != core.EntityPayment {
				t.Fatalf("expected payment filter, got %#v", filter)
			}
			return sync.RunSummary{Counts: core.OutcomeCounts{Updated: 1}}, nil
		},
	}

	collector := gocmd.NewResult[sync.RunSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewRetryFailedCommand(svc).Execute(ctx, RetryFailedMessage{
		Filter: core.FailedRecordFilter{EntityType: core.EntityPayment},
	}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	if result, ok := collector.Load(); !ok || result.Counts.Updated != 1 {
		t.Fatalf("unexpected retry result: %#v", result)
	}
}

func TestTestConnectionCommand_ReportsEverySystem(t *testing.T) {
	var tested []core.System
	tester := stubConnectionTester{
		testFn: func(_ context.Context, system core.System) error {
			tested = append(tested, system)
			if system == core.SystemB {
				return errors.New("401 unauthorized")
			}
			return nil
		},
	}

	cmd := NewTestConnectionCommand(tester)
	tick := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	cmd.now = func() time.Time {
		tick = tick.Add(10 * time.Millisecond)
		return tick
	}
	collector := gocmd.NewResult[ConnectionReport]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, TestConnectionMessage{System: "all"}); err != nil {
		t.Fatalf("execute test connection: %v", err)
	}
	if len(tested) != 2 || tested[0] != core.SystemA || tested[1] != core.SystemB {
		t.Fatalf("expected sap then shopify checks, got %v", tested)
	}
	report, ok := collector.Load()
	if !ok {
		t.Fatalf("expected report to be stored")
	}
	if !report.Failed() {
		t.Fatalf("expected failed report")
	}
	if !report.Checks[0].OK || report.Checks[1].OK {
		t.Fatalf("unexpected checks: %#v", report.Checks)
	}
	if report.Checks[1].Error != "401 unauthorized" {
		t.Fatalf("expected check error text, got %q", report.Checks[1].Error)
	}
	if report.Checks[0].Latency != 10*time.Millisecond {
		t.Fatalf("expected 10ms latency, got %s", report.Checks[0].Latency)
	}
}

func TestTestConnectionCommand_SingleSystem(t *testing.T) {
	var tested []core.System
	tester := stubConnectionTester{
		testFn: func(_ context.Context, system core.System) error {
			tested = append(tested, system)
			return nil
		},
	}
	if err := NewTestConnectionCommand(tester).Execute(context.Background(), TestConnectionMessage{System: "sap"}); err != nil {
		t.Fatalf("execute test connection: %v", err)
	}
	if len(tested) != 1 || tested[0] != core.SystemA {
		t.Fatalf("expected only sap check, got %v", tested)
	}
}

func TestMessages_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{"run sync ok", RunSyncMessage{Request: sync.RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB}}, false},
		{"run sync missing entity", RunSyncMessage{Request: sync.RunRequest{Direction: core.DirectionAToB}}, true},
		{"run sync missing direction", RunSyncMessage{Request: sync.RunRequest{EntityType: core.EntityItem}}, true},
		{"run sync bad mode", RunSyncMessage{Request: sync.RunRequest{EntityType: core.EntityItem, Direction: core.DirectionAToB, Mode: "delta"}}, true},
		{"run sync items cascade on orders", RunSyncMessage{Request: sync.RunRequest{EntityType: core.EntityOrder, Direction: core.DirectionBToA, WithItems: true}}, true},
		{"retry any", RetryFailedMessage{}, false},
		{"retry bad entity", RetryFailedMessage{Filter: core.FailedRecordFilter{EntityType: "invoice"}}, true},
		{"retry both direction", RetryFailedMessage{Filter: core.FailedRecordFilter{Direction: core.DirectionBoth}}, true},
		{"connection default", TestConnectionMessage{}, false},
		{"connection shopify", TestConnectionMessage{System: "Shopify"}, false},
		{"connection unknown", TestConnectionMessage{System: "netsuite"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

type stubSyncService struct {
	runSyncFn     func(context.Context, sync.RunRequest) (sync.RunSummary, error)
	retryFailedFn func(context.Context, core.FailedRecordFilter) (sync.RunSummary, error)
}

func (s stubSyncService) RunSync(ctx context.Context, req sync.RunRequest) (sync.RunSummary, error) {
	if s.runSyncFn == nil {
		return sync.RunSummary{}, fmt.Errorf("unexpected run sync call")
	}
	return s.runSyncFn(ctx, req)
}

func (s stubSyncService) RetryFailed(ctx context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error) {
	if s.retryFailedFn == nil {
		return sync.RunSummary{}, fmt.Errorf("unexpected retry call")
	}
	return s.retryFailedFn(ctx, filter)
}

type stubConnectionTester struct {
	testFn func(context.Context, core.System) error
}

func (s stubConnectionTester) TestConnection(ctx context.Context, system core.System) error {
	return s.testFn(ctx, system)
}
