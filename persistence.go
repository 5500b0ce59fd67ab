package erpsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

type persistenceConfig struct {
	store core.StoreConfig
}

func (c persistenceConfig) GetDebug() bool {
	return c.store.Debug
}

func (c persistenceConfig) GetDriver() string {
	return c.store.Driver
}

func (c persistenceConfig) GetServer() string {
	return c.store.DSN
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-erpsync"
}

// OpenPersistence opens the sync state database and applies the embedded
// migrations for its dialect.
func OpenPersistence(ctx context.Context, cfg core.StoreConfig) (*persistence.Client, error) {
	driver := strings.TrimSpace(cfg.Driver)
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("erpsync: open %s store: %w", driver, err)
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{store: cfg}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("erpsync: persistence client: %w", err)
	}
	if err := migrations.Apply(ctx, client, driver); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("erpsync: %w", err)
	}
	return client, nil
}

func dialectFor(driver string) (schema.Dialect, error) {
	switch driver {
	case driverSQLite:
		return sqlitedialect.New(), nil
	case driverPostgres:
		return pgdialect.New(), nil
	default:
		return nil, fmt.Errorf("erpsync: unsupported store driver %q", driver)
	}
}
