package command

import (
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
)

const (
	TypeRunSync        = "erpsync.command.sync.run"
	TypeRetryFailed    = "erpsync.command.sync.retry_failed"
	TypeTestConnection = "erpsync.command.connection.test"
)

// ConnectionTargetAll selects both systems in a connection test.
const ConnectionTargetAll = "all"

type RunSyncMessage struct {
	Request sync.RunRequest
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	req := m.Request
	if !req.EntityType.IsValid() {
		return commandValidationError("entity_type", "must be one of group, item, order, payment, credit, customer")
	}
	if !req.Direction.IsValid() {
		return commandValidationError("direction", "must be sap-to-shopify, shopify-to-sap or both")
	}
	if req.Mode != "" && !req.Mode.IsValid() {
		return commandValidationError("mode", "must be full or incremental")
	}
	if req.BatchSize < 0 {
		return commandValidationError("batch_size", "must not be negative")
	}
	if req.WithItems && req.EntityType != core.EntityGroup {
		return commandValidationError("with_items", "applies to group syncs only")
	}
	return nil
}

type RetryFailedMessage struct {
	Filter core.FailedRecordFilter
}

func (RetryFailedMessage) Type() string { return TypeRetryFailed }

func (m RetryFailedMessage) Validate() error {
	if m.Filter.EntityType != "" && !m.Filter.EntityType.IsValid() {
		return commandValidationError("entity_type", "unknown entity type")
	}
	if m.Filter.Direction != "" && m.Filter.Direction != core.DirectionAToB && m.Filter.Direction != core.DirectionBToA {
		return commandValidationError("direction", "must be a single pass direction")
	}
	if m.Filter.Limit < 0 {
		return commandValidationError("limit", "must not be negative")
	}
	return nil
}

type TestConnectionMessage struct {
	// System is sap, shopify or all. Empty means all.
	System string
}

func (TestConnectionMessage) Type() string { return TypeTestConnection }

func (m TestConnectionMessage) Validate() error {
	_, err := m.Systems()
	return err
}

// Systems resolves the message target into the systems to test.
func (m TestConnectionMessage) Systems() ([]core.System, error) {
	target := strings.TrimSpace(strings.ToLower(m.System))
	if target == "" || target == ConnectionTargetAll {
		return []core.System{core.SystemA, core.SystemB}, nil
	}
	system, err := core.ParseSystem(target)
	if err != nil {
		return nil, commandValidationError("system", "must be sap, shopify or all")
	}
	return []core.System{system}, nil
}
