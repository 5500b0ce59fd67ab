package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

var migrationPairs = []string{
	"00001_erpsync_state",
	"00002_erpsync_run_ledger",
}

func TestSources_ReturnsBothDialects(t *testing.T) {
	sources, err := Sources(nil)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 2 || sources[0].Dialect != DialectPostgres || sources[1].Dialect != DialectSQLite {
		t.Fatalf("unexpected sources: %+v", sources)
	}
	for _, source := range sources {
		for _, name := range migrationPairs {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				content, err := fs.ReadFile(source.FS, name+suffix)
				if err != nil {
					t.Fatalf("read %s/%s%s: %v", source.Dir, name, suffix, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected %s/%s%s to have SQL content", source.Dir, name, suffix)
				}
			}
		}
	}
}

func TestSources_RejectsIncompleteTrees(t *testing.T) {
	empty := fstest.MapFS{
		"sql/postgres/README": {Data: []byte("empty")},
		"sql/sqlite/README":   {Data: []byte("empty")},
	}
	if _, err := Sources(empty); err == nil {
		t.Fatalf("expected missing *.up.sql error")
	}

	unpaired := fstest.MapFS{
		"sql/postgres/00001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/postgres/00001_a.down.sql": {Data: []byte("SELECT 1;")},
		"sql/sqlite/00001_a.up.sql":     {Data: []byte("SELECT 1;")},
	}
	if _, err := Sources(unpaired); err == nil || !strings.Contains(err.Error(), "rollback") {
		t.Fatalf("expected missing rollback error, got %v", err)
	}
}

func TestSourceFor_MapsDrivers(t *testing.T) {
	cases := map[string]string{
		"sqlite3":  DialectSQLite,
		"postgres": DialectPostgres,
		" PGX ":    DialectPostgres,
	}
	for driver, want := range cases {
		source, err := SourceFor(driver)
		if err != nil {
			t.Fatalf("source for %q: %v", driver, err)
		}
		if source.Dialect != want {
			t.Fatalf("expected %s for %q, got %s", want, driver, source.Dialect)
		}
	}
	if _, err := SourceFor("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestRegister_FiltersDialects(t *testing.T) {
	var calls []string
	err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		if label != SourceLabel {
			t.Fatalf("unexpected source label %q", label)
		}
		calls = append(calls, dialect)
		return nil
	}, DialectSQLite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration only, got %v", calls)
	}

	calls = nil
	if err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}); err != nil {
		t.Fatalf("register all: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects, got %v", calls)
	}

	boom := errors.New("boom")
	if err := Register(context.Background(), func(context.Context, string, string, fs.FS) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected register error to propagate, got %v", err)
	}
	if err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected register function error")
	}
}

func TestApply_RequiresClient(t *testing.T) {
	if err := Apply(context.Background(), nil, "sqlite3"); err == nil {
		t.Fatalf("expected missing client error")
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-erpsync-state?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	source, err := SourceFor("sqlite3")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ctx := context.Background()

	for _, name := range migrationPairs {
		if err := execSQLMigration(ctx, db, source.FS, name+".up.sql"); err != nil {
			t.Fatalf("apply %s up: %v", name, err)
		}
	}
	for _, table := range Tables {
		if got := countTables(t, db, table); got != 1 {
			t.Fatalf("expected table %s after up migrations", table)
		}
	}

	insert := `INSERT INTO sync_id_mappings (id, entity_type, source_system, source_id, target_system, target_id)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "m-1", "group", "shopify", "1032025", "sap", "100"); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "m-2", "group", "shopify", "1032025", "sap", "101"); err == nil {
		t.Fatalf("expected unique mapping key violation")
	}
	if _, err := db.ExecContext(ctx, insert, "m-3", "group", "sap", "1", "sap", "1"); err == nil {
		t.Fatalf("expected same-system mapping to be rejected")
	}

	for idx := len(migrationPairs) - 1; idx >= 0; idx-- {
		if err := execSQLMigration(ctx, db, source.FS, migrationPairs[idx]+".down.sql"); err != nil {
			t.Fatalf("apply %s down: %v", migrationPairs[idx], err)
		}
	}
	for _, table := range Tables {
		if got := countTables(t, db, table); got != 0 {
			t.Fatalf("expected table %s to be dropped", table)
		}
	}
}

func countTables(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		name,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for %s: %v", name, err)
	}
	return count
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filename)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
