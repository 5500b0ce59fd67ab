package gocommand

import (
	"context"
	"errors"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-erpsync/command"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/query"
	"github.com/goliatone/go-erpsync/sync"
)

// Handlers groups the services the erpsync commands and queries delegate to.
// Nil members leave the matching handler unregistered.
type Handlers struct {
	Sync        command.SyncService
	Connections command.ConnectionTester
	Failed      query.FailedRecordReader
	Checkpoints query.CheckpointLister
	Runs        query.RunReader
	Mappings    query.MappingDescriber
	Items       query.ItemChecker
}

// Bus is the dispatch surface used by the CLI and job workers.
type Bus struct {
	adapter       *RegistryAdapter
	subscriptions []commanddispatcher.Subscription
}

// Wire registers and subscribes every configured handler, then initializes
// the registry. Close releases the dispatcher subscriptions.
func Wire(adapter *RegistryAdapter, handlers Handlers) (*Bus, error) {
	if adapter == nil {
		adapter = NewRegistryAdapter(nil)
	}
	bus := &Bus{adapter: adapter}
	add := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		bus.subscriptions = append(bus.subscriptions, sub)
		return nil
	}

	var errs []error
	if handlers.Sync != nil {
		errs = append(errs,
			add(RegisterAndSubscribe(adapter, command.NewRunSyncCommand(handlers.Sync))),
			add(RegisterAndSubscribe(adapter, command.NewRetryFailedCommand(handlers.Sync))),
		)
	}
	if handlers.Connections != nil {
		errs = append(errs, add(RegisterAndSubscribe(adapter, command.NewTestConnectionCommand(handlers.Connections))))
	}
	if handlers.Failed != nil {
		errs = append(errs, add(RegisterAndSubscribeQuery(adapter, query.NewListFailedRecordsQuery(handlers.Failed))))
	}
	if handlers.Checkpoints != nil {
		errs = append(errs, add(RegisterAndSubscribeQuery(adapter, query.NewListCheckpointsQuery(handlers.Checkpoints))))
	}
	if handlers.Runs != nil {
		errs = append(errs, add(RegisterAndSubscribeQuery(adapter, query.NewListRunsQuery(handlers.Runs))))
	}
	if handlers.Mappings != nil {
		errs = append(errs, add(RegisterAndSubscribeQuery(adapter, query.NewDescribeMappingQuery(handlers.Mappings))))
	}
	if handlers.Items != nil {
		errs = append(errs, add(RegisterAndSubscribeQuery(adapter, query.NewCheckItemsQuery(handlers.Items))))
	}
	if err := errors.Join(errs...); err != nil {
		bus.Close()
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	for _, sub := range b.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Bus) RunSync(ctx context.Context, req sync.RunRequest) (sync.RunSummary, error) {
	return DispatchResult[command.RunSyncMessage, sync.RunSummary](ctx, command.RunSyncMessage{Request: req})
}

func (b *Bus) RetryFailed(ctx context.Context, filter core.FailedRecordFilter) (sync.RunSummary, error) {
	return DispatchResult[command.RetryFailedMessage, sync.RunSummary](ctx, command.RetryFailedMessage{Filter: filter})
}

func (b *Bus) TestConnection(ctx context.Context, system string) (command.ConnectionReport, error) {
	return DispatchResult[command.TestConnectionMessage, command.ConnectionReport](ctx, command.TestConnectionMessage{System: system})
}

func (b *Bus) FailedRecords(ctx context.Context, filter core.FailedRecordFilter) ([]core.FailedRecord, error) {
	return Query[query.ListFailedRecordsMessage, []core.FailedRecord](ctx, query.ListFailedRecordsMessage{Filter: filter})
}

func (b *Bus) Checkpoints(ctx context.Context, entity core.EntityType) ([]core.SyncCheckpoint, error) {
	return Query[query.ListCheckpointsMessage, []core.SyncCheckpoint](ctx, query.ListCheckpointsMessage{EntityType: entity})
}

func (b *Bus) Runs(ctx context.Context, limit int) ([]core.SyncRun, error) {
	return Query[query.ListRunsMessage, []core.SyncRun](ctx, query.ListRunsMessage{Limit: limit})
}

func (b *Bus) DescribeMapping(ctx context.Context, entity core.EntityType) (core.MappingDescription, error) {
	return Query[query.DescribeMappingMessage, core.MappingDescription](ctx, query.DescribeMappingMessage{EntityType: entity})
}

func (b *Bus) CheckItems(ctx context.Context, groupID string) ([]sync.MissingField, error) {
	return Query[query.CheckItemsMessage, []sync.MissingField](ctx, query.CheckItemsMessage{GroupID: groupID})
}
