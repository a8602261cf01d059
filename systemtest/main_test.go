package systemtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/db"
	"github.com/trapline/trapline/systemtest/postgres"
	"github.com/trapline/trapline/systemtest/tests"
)

// TestSystemIntegration runs the Postgres-backed stores against a real
// database: migrations, the device registry, claim codes, alert
// persistence, the audit ledger and operator accounts.
func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, dbURL, err := postgres.Start(ctx, "trapline", "trapline", "trapline")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgres.Terminate(ctx, container); err != nil {
			t.Logf("failed to terminate postgres: %v", err)
		}
	})

	require.NoError(t, db.RunMigrations(dbURL, "trapline"))

	pool, err := db.InitDB(ctx, dbURL, "trapline")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	t.Run("DeviceLifecycle", func(t *testing.T) { tests.TestDeviceLifecycle(t, pool) })
	t.Run("ClaimCodes", func(t *testing.T) { tests.TestClaimCodes(t, pool) })
	t.Run("AlertPersistence", func(t *testing.T) { tests.TestAlertPersistence(t, pool) })
	t.Run("AuditTrail", func(t *testing.T) { tests.TestAuditTrail(t, pool) })
	t.Run("OperatorAccounts", func(t *testing.T) { tests.TestOperatorAccounts(t, pool) })
}
