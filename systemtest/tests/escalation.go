package tests

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/escalation"
)

func TestAlertPersistence(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	store := escalation.NewStore(pool)

	const addr = "aa:bb:cc:dd:ee:20"
	now := time.Now().UTC().Truncate(time.Millisecond)
	due := now.Add(30 * time.Minute)

	alert := &escalation.Alert{
		ID:             uuid.NewString(),
		DeviceAddress:  addr,
		TenantID:       "tenant-1",
		TriggeredAt:    now,
		Level:          1,
		LastTransition: now,
		Preset:         escalation.PresetNormal,
		NextDueAt:      &due,
	}

	t.Run("create and read back", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, alert))

		got, err := store.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Level)
		assert.Equal(t, escalation.PresetNormal, got.Preset)
		require.NotNil(t, got.NextDueAt)
		assert.WithinDuration(t, due, *got.NextDueAt, time.Second)

		open, err := store.GetOpenByDevice(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, alert.ID, open.ID)
	})

	t.Run("due selection", func(t *testing.T) {
		rows, err := store.Due(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, idsOf(rows))

		rows, err = store.Due(ctx, due.Add(time.Second))
		require.NoError(t, err)
		assert.Contains(t, idsOf(rows), alert.ID)
	})

	t.Run("advance is monotonic", func(t *testing.T) {
		next := now.Add(2 * time.Hour)
		require.NoError(t, store.Advance(ctx, alert.ID, 3, &next))

		got, err := store.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Level)

		// A stale lower target must not lower the level.
		require.NoError(t, store.Advance(ctx, alert.ID, 2, &next))
		got, err = store.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Level)
	})

	t.Run("ack freezes the sweep", func(t *testing.T) {
		require.NoError(t, store.Ack(ctx, alert.ID, false))

		rows, err := store.Due(ctx, now.Add(24*time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, idsOf(rows), alert.ID)

		got, err := store.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.True(t, got.ServerAcked)
		assert.Equal(t, 3, got.Level)
	})

	t.Run("clear ends the lifecycle", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, alert.ID))

		_, err := store.GetOpenByDevice(ctx, addr)
		assert.ErrorIs(t, err, escalation.ErrAlertNotFound)

		err = store.Advance(ctx, alert.ID, 4, nil)
		assert.ErrorIs(t, err, escalation.ErrAlertCleared)

		err = store.Clear(ctx, alert.ID)
		assert.ErrorIs(t, err, escalation.ErrAlertCleared)
	})

	t.Run("unknown alert", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, escalation.ErrAlertNotFound)
	})

	t.Run("tenant timing", func(t *testing.T) {
		secs, err := store.TenantTiming(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Nil(t, secs)

		custom := []int64{600, 1800, 3600, 7200}
		require.NoError(t, store.SetTenantTiming(ctx, "tenant-1", custom))

		secs, err = store.TenantTiming(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, custom, secs)

		// Overwrite, then revert to the built-in preset.
		custom[0] = 300
		require.NoError(t, store.SetTenantTiming(ctx, "tenant-1", custom))
		require.NoError(t, store.SetTenantTiming(ctx, "tenant-1", nil))

		secs, err = store.TenantTiming(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Nil(t, secs)
	})
}

func idsOf(alerts []escalation.Alert) []string {
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	return ids
}
