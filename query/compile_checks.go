package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

var (
	_ gocmd.Querier[ListFailedRecordsMessage, []core.FailedRecord]   = (*ListFailedRecordsQuery)(nil)
	_ gocmd.Querier[ListCheckpointsMessage, []core.SyncCheckpoint]   = (*ListCheckpointsQuery)(nil)
	_ gocmd.Querier[ListRunsMessage, []core.SyncRun]                 = (*ListRunsQuery)(nil)
	_ gocmd.Querier[DescribeMappingMessage, core.MappingDescription] = (*DescribeMappingQuery)(nil)
	_ gocmd.Querier[CheckItemsMessage, []sync.MissingField]          = (*CheckItemsQuery)(nil)
)
