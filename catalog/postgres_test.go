package catalog

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/gateway/core"
)

// requirePostgres skips the test unless a reachable Postgres instance is
// configured via CATALOG_TEST_DSN, mirroring the broker-availability skip
// pattern used across the queue and connmgr packages.
func requirePostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping catalog store test in short mode")
	}
	dsn := os.Getenv("CATALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DSN not set; skipping Postgres-backed catalog test")
	}
	conn, err := net.DialTimeout("tcp", "localhost:5432", time.Second)
	if err != nil {
		t.Skip("postgres not reachable at localhost:5432")
	}
	conn.Close()
	return dsn
}

func TestPostgresHealthCheck(t *testing.T) {
	dsn := requirePostgres(t)
	store, err := Open(dsn, core.CatalogConfig{MaxOpenConns: 5, MaxIdleConns: 1, ConnMaxLifetime: time.Minute, QueryTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.HealthCheck(context.Background()))
}

func TestPostgresLoadTenantPoliciesEmptyTenant(t *testing.T) {
	dsn := requirePostgres(t)
	store, err := Open(dsn, core.CatalogConfig{MaxOpenConns: 5, MaxIdleConns: 1, ConnMaxLifetime: time.Minute, QueryTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer store.Close()

	policies, err := store.LoadTenantPolicies(context.Background(), "tenant-with-no-policies")
	require.NoError(t, err)
	require.Empty(t, policies)
}
