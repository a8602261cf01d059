package tests

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/audit"
)

func TestAuditTrail(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	ledger := audit.NewStore(pool)

	const addr = "aa:bb:cc:dd:ee:30"

	entries := []audit.Entry{
		{DeviceAddress: addr, Action: audit.ActionClaim, Trigger: audit.TriggerDevice, Actor: addr, Success: true},
		{DeviceAddress: addr, Action: audit.ActionRotate, Trigger: audit.TriggerAdministrative, Actor: "admin",
			Metadata: map[string]any{"rotationId": "rot-1"}, Success: true},
		{DeviceAddress: addr, Action: audit.ActionRecover, Trigger: audit.TriggerDevice, Actor: addr,
			Reason: "invalid proof", Success: false},
	}
	for _, e := range entries {
		require.NoError(t, ledger.Record(ctx, e))
	}

	t.Run("list newest first", func(t *testing.T) {
		got, err := ledger.ListByDevice(ctx, addr, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, audit.ActionRecover, got[0].Action)
		assert.False(t, got[0].Success)
		assert.Equal(t, audit.ActionClaim, got[2].Action)
	})

	t.Run("metadata roundtrip", func(t *testing.T) {
		got, err := ledger.ListByDevice(ctx, addr, 10)
		require.NoError(t, err)
		assert.Equal(t, "rot-1", got[1].Metadata["rotationId"])
	})

	t.Run("limit", func(t *testing.T) {
		got, err := ledger.ListByDevice(ctx, addr, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("other device unaffected", func(t *testing.T) {
		got, err := ledger.ListByDevice(ctx, "aa:bb:cc:dd:ee:31", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
