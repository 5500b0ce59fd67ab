// Package migrations embeds the sync state schema and applies it through
// go-persistence-bun.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var embedded embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	SourceLabel = "go-erpsync"
)

// Tables created by the embedded migrations, in creation order.
var Tables = []string{
	"sync_id_mappings",
	"sync_checkpoints",
	"sync_runs",
	"sync_failed_records",
}

// Source is the migration directory of one dialect.
type Source struct {
	Dialect string
	Dir     string
	FS      fs.FS
}

// FS returns the embedded tree, with one directory per dialect under sql/.
func FS() fs.FS {
	return embedded
}

// Sources resolves the postgres and sqlite directories of root, or of the
// embedded tree when root is nil. Each directory must hold at least one
// *.up.sql file and a matching *.down.sql for every up migration.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = embedded
	}
	sources := make([]Source, 0, 2)
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		dir := path.Join("sql", dialect)
		sub, err := fs.Sub(root, dir)
		if err != nil {
			return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
		}
		if err := checkPairs(sub, dir); err != nil {
			return nil, err
		}
		sources = append(sources, Source{Dialect: dialect, Dir: dir, FS: sub})
	}
	return sources, nil
}

func checkPairs(fsys fs.FS, dir string) error {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(fsys, down); err != nil {
			return fmt.Errorf("migrations: %s/%s has no rollback: %w", dir, up, err)
		}
	}
	return nil
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	case "postgres", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// SourceFor returns the embedded migrations for driver.
func SourceFor(driver string) (Source, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return Source{}, err
	}
	sources, err := Sources(nil)
	if err != nil {
		return Source{}, err
	}
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: no %s migrations", dialect)
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

// Register hands the embedded source of each listed dialect to registerFn.
// An empty list registers every dialect.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) error {
	if registerFn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return err
	}
	for _, source := range sources {
		if len(dialects) > 0 && !slices.Contains(dialects, source.Dialect) {
			continue
		}
		if err := registerFn(ctx, source.Dialect, SourceLabel, source.FS); err != nil {
			return fmt.Errorf("migrations: register %s: %w", source.Dialect, err)
		}
	}
	return nil
}

// Apply registers the migrations matching driver on client and runs them.
func Apply(ctx context.Context, client *persistence.Client, driver string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	source, err := SourceFor(driver)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(source.FS)
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: migrate %s: %w", source.Dialect, err)
	}
	return nil
}
