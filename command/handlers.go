package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

type SyncService interface {
	RunSync(ctx context.Context, req sync.RunRequest) (sync.RunSummary, error)
	RetryFailed(ctx context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error)
}

type ConnectionTester interface {
	TestConnection(ctx context.Context, system core.System) error
}

type RunSyncCommand struct {
	service SyncService
}

func NewRunSyncCommand(service SyncService) *RunSyncCommand {
	return &RunSyncCommand{service: service}
}

// Execute stores the run summary even when the run fails so callers can
// still report partial counts.
func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	out, err := c.service.RunSync(ctx, msg.Request)
	storeResult(ctx, out)
	return err
}

type RetryFailedCommand struct {
	service SyncService
}

func NewRetryFailedCommand(service SyncService) *RetryFailedCommand {
	return &RetryFailedCommand{service: service}
}

func (c *RetryFailedCommand) Execute(ctx context.Context, msg RetryFailedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	out, err := c.service.RetryFailed(ctx, msg.Filter)
	storeResult(ctx, out)
	return err
}

// ConnectionCheck is the connection test outcome for one system.
type ConnectionCheck struct {
	System  core.System   `json:"system"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

type ConnectionReport struct {
	Checks []ConnectionCheck `json:"checks"`
}

func (r ConnectionReport) Failed() bool {
	for _, check := range r.Checks {
		if !check.OK {
			return true
		}
	}
	return false
}

type TestConnectionCommand struct {
	tester ConnectionTester
	now    core.Clock
}

func NewTestConnectionCommand(tester ConnectionTester) *TestConnectionCommand {
	return &TestConnectionCommand{tester: tester, now: core.DefaultClock}
}

// Execute tests every selected system. A failed check is reported in the
// stored ConnectionReport, not returned as an error.
func (c *TestConnectionCommand) Execute(ctx context.Context, msg TestConnectionMessage) error {
	if c == nil || c.tester == nil {
		return commandDependencyError("command: connection tester is required")
	}
	systems, err := msg.Systems()
	if err != nil {
		return err
	}
	now := c.now
	if now == nil {
		now = core.DefaultClock
	}
	report := ConnectionReport{}
	for _, system := range systems {
		if err := ctx.Err(); err != nil {
			return err
		}
		startedAt := now()
		checkErr := c.tester.TestConnection(ctx, system)
		check := ConnectionCheck{System: system, OK: checkErr == nil, Latency: now().Sub(startedAt)}
		if checkErr != nil {
			check.Error = checkErr.Error()
		}
		report.Checks = append(report.Checks, check)
	}
	storeResult(ctx, report)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	if collector := gocmd.ResultFromContext[T](ctx); collector != nil {
		collector.Store(value)
	}
}
