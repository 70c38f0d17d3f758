package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientcore/internal/platform/db"
	"github.com/ehr/patientcore/migrations"
)

// testDB holds the shared database for the suite. Each test gets its own
// schema, so tests never see each other's rows.
type testDB struct {
	ConnStr string
	admin   *pgxpool.Pool
}

var globalDB *testDB

// TestMain uses PATIENTCORE_TEST_DATABASE_URL when set, otherwise starts a
// throwaway Postgres container when PATIENTCORE_INTEGRATION=docker. With
// neither, the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("PATIENTCORE_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if os.Getenv("PATIENTCORE_INTEGRATION") != "docker" {
			fmt.Fprintln(os.Stderr, "integration: set PATIENTCORE_TEST_DATABASE_URL or PATIENTCORE_INTEGRATION=docker to run")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	admin, err := db.NewPool(ctx, db.PoolConfig{URL: connStr})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{ConnStr: connStr, admin: admin}
	code := m.Run()
	admin.Close()
	cleanup()
	os.Exit(code)
}

// withSearchPath points every connection of a pool at schema.
func withSearchPath(connStr, schema string) (string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// newSchema migrates a fresh schema and returns a pool bound to it. The
// schema is dropped when the test ends.
func newSchema(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	if _, err := db.NewMigrator(globalDB.admin, migrations.FS).Up(ctx, schema); err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if _, err := globalDB.admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})

	connStr, err := withSearchPath(globalDB.ConnStr, schema)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 8})
	if err != nil {
		t.Fatalf("pool for %s: %v", schema, err)
	}
	t.Cleanup(pool.Close)
	return pool
}
