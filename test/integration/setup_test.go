package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/domain/ledger"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/migrations"
)

// databaseURLEnv points the suite at an existing server instead of a
// throwaway container.
const databaseURLEnv = "MEDVAULT_TEST_DATABASE_URL"

// connStr is the package-level database, initialized once in TestMain.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanup := func() {}
	connStr = os.Getenv(databaseURLEnv)
	if connStr == "" {
		if !dockerAvailable(ctx) {
			fmt.Fprintf(os.Stderr, "skipping integration tests: docker unavailable and %s unset\n", databaseURLEnv)
			os.Exit(0)
		}
		pg, err := startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
		connStr, cleanup = pg.connStr, pg.stop
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// uniqueSchema returns a fresh schema name so tests never share ledger state.
func uniqueSchema(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// newSchemaPool migrates a fresh schema and returns a pool whose search_path
// points at it. The schema is dropped when the test ends.
func newSchemaPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := uniqueSchema(prefix)

	admin, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 2})
	if err != nil {
		t.Fatalf("admin pool: %v", err)
	}
	t.Cleanup(func() {
		_, err := admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	applied, err := db.NewMigrator(admin, migrations.FS, schema).Up(ctx)
	if err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if applied == 0 {
		t.Fatalf("expected migrations to be applied to %s", schema)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 8, Schema: schema})
	if err != nil {
		t.Fatalf("schema pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// newLedger returns a ledger over a freshly migrated schema.
func newLedger(t *testing.T, prefix string, opts ...ledger.Option) (*ledger.Ledger, *ledger.PostgresRepository) {
	t.Helper()
	repo := ledger.NewPostgresRepository(newSchemaPool(t, prefix))
	return ledger.NewLedger(repo, opts...), repo
}

func mustAssign(t *testing.T, l *ledger.Ledger, p ledger.Principal, r ledger.Role) {
	t.Helper()
	if _, err := l.AssignRole(context.Background(), p, r); err != nil {
		t.Fatalf("assign %s to %s: %v", r, p, err)
	}
}
