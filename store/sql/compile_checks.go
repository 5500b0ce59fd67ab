package sqlstore

import "github.com/goliatone/go-erpsync/core"

var (
	_ core.IDMappingStore    = (*IDMappingStore)(nil)
	_ core.IDMappingStore    = (*CachedIDMappingStore)(nil)
	_ core.CheckpointStore   = (*CheckpointStore)(nil)
	_ core.FailedRecordStore = (*FailedRecordStore)(nil)
	_ core.RunStore          = (*RunStore)(nil)
)
